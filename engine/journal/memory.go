package journal

import (
	"context"
	"sync"
)

// MemJournal is the in-memory Journal used for normal runs: the core keeps
// no state across processes, so the default journal lives for one run.
//
// MemJournal is safe for concurrent commits and snapshot reads.
type MemJournal[R any] struct {
	mu      sync.RWMutex
	entries []Entry[R]
	seq     int64
}

// NewMemJournal creates an empty in-memory journal.
func NewMemJournal[R any]() *MemJournal[R] {
	return &MemJournal[R]{}
}

// Commit appends the entry with the next sequence number.
func (m *MemJournal[R]) Commit(_ context.Context, e Entry[R]) (Entry[R], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e.Seq = m.seq
	m.entries = append(m.entries, e)
	return e, nil
}

// BeginSnapshot returns the current max sequence number.
func (m *MemJournal[R]) BeginSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot(m.seq)
}

// Visible returns session entries at or below the snapshot, optionally
// filtered by event, in commit order.
func (m *MemJournal[R]) Visible(_ context.Context, session string, snap Snapshot, event string) ([]Entry[R], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry[R]
	for _, e := range m.entries {
		if e.Seq > int64(snap) || e.Session != session {
			continue
		}
		if event != "" && e.Event != "" && e.Event != event {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Len returns the number of committed entries. Intended for tests and
// inspection tooling.
func (m *MemJournal[R]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
