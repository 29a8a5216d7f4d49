// Package journal provides the append-only execution journal and the
// snapshot views used to assemble dependency visibility for step runs.
package journal

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested entry does not exist.
var ErrNotFound = errors.New("not found")

// Entry is one committed step result. Identity is Seq, assigned by the
// journal on commit; entries are never updated or deleted.
//
// Scope is the canonical scope key ("" for root). Event is the event the
// result was committed under; "" marks an entry visible to any event.
//
// Type parameter R is the result type the engine commits.
type Entry[R any] struct {
	Seq     int64  `json:"seq"`
	Session string `json:"session"`
	Scope   string `json:"scope"`
	Check   string `json:"check"`
	Event   string `json:"event"`
	Result  R      `json:"result"`
}

// Snapshot is an opaque token marking a point in the journal. Reads at a
// snapshot see exactly the entries committed before it was taken.
type Snapshot int64

// Journal is the append-only record of committed step results.
//
// Implementations must be safe for concurrent use: parallel tasks within a
// level commit freely, and snapshot reads may race with commits.
type Journal[R any] interface {
	// Commit appends the entry with a fresh sequence number and returns
	// the stamped entry. Commit must not fail for in-memory backends;
	// persistent backends report storage errors, which callers treat as
	// non-fatal to the run.
	Commit(ctx context.Context, e Entry[R]) (Entry[R], error)

	// BeginSnapshot returns a token covering every entry committed so far.
	BeginSnapshot() Snapshot

	// Visible returns all entries at or below the snapshot for the
	// session. When event is non-empty, entries are filtered to those
	// committed under the event plus entries with no explicit event.
	// Entries are returned in commit order.
	Visible(ctx context.Context, session string, snap Snapshot, event string) ([]Entry[R], error)
}

// latestByScope indexes visible entries as check -> scope key -> latest
// entry, the shape View resolution works over.
func latestByScope[R any](entries []Entry[R]) map[string]map[string]Entry[R] {
	idx := make(map[string]map[string]Entry[R])
	for _, e := range entries {
		scopes, ok := idx[e.Check]
		if !ok {
			scopes = make(map[string]Entry[R])
			idx[e.Check] = scopes
		}
		if prev, ok := scopes[e.Scope]; !ok || e.Seq > prev.Seq {
			scopes[e.Scope] = e
		}
	}
	return idx
}
