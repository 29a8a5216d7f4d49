package journal

import "context"

// View is a read-only projection over the journal at one (session,
// snapshot, scope, event), yielding the latest result visible to a
// dependent for each check id.
//
// Resolution rule per check: prefer an entry at the exact scope; fall back
// to the longest prefix of the scope that has an entry; finally the root
// scope. Repeated reads through the same View return the same entries.
type View[R any] struct {
	chain []string
	idx   map[string]map[string]Entry[R]
}

// NewView materializes a view. chain is the scope key chain from most
// specific to root (ScopePath.Chain in the engine package); a nil chain
// means root scope only.
func NewView[R any](ctx context.Context, j Journal[R], session string, snap Snapshot, chain []string, event string) (*View[R], error) {
	entries, err := j.Visible(ctx, session, snap, event)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		chain = []string{""}
	}
	return &View[R]{chain: chain, idx: latestByScope(entries)}, nil
}

// Get resolves the latest result for the check visible to the view's scope.
func (v *View[R]) Get(check string) (R, bool) {
	var zero R
	scopes, ok := v.idx[check]
	if !ok {
		return zero, false
	}
	for _, key := range v.chain {
		if e, ok := scopes[key]; ok {
			return e.Result, true
		}
	}
	return zero, false
}

// Checks lists the check ids with at least one visible entry.
func (v *View[R]) Checks() []string {
	ids := make([]string, 0, len(v.idx))
	for id := range v.idx {
		ids = append(ids, id)
	}
	return ids
}
