package engine

import (
	"fmt"
	"sort"

	"github.com/dvnorth/checkflow-go/engine/journal"
)

// DepView is the window a step sees onto its dependencies' results: a
// scope-aware journal view with an optional in-memory overlay that wins
// over journal entries. Fan-out uses the overlay to substitute the
// parent's per-item slice for the parent's aggregate.
type DepView struct {
	view    *journal.View[*StepResult]
	overlay map[string]*StepResult
}

// NewDepView wraps a journal view with an overlay. Either may be nil.
func NewDepView(view *journal.View[*StepResult], overlay map[string]*StepResult) *DepView {
	return &DepView{view: view, overlay: overlay}
}

// SanitizeOverlay converts a loosely-typed overlay into a string-keyed
// one. Keys are strictly strings; anything else is dropped and reported
// through warn.
func SanitizeOverlay(raw map[any]*StepResult, warn func(key any)) map[string]*StepResult {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]*StepResult, len(raw))
	for k, v := range raw {
		s, ok := k.(string)
		if !ok {
			if warn != nil {
				warn(k)
			}
			continue
		}
		out[s] = v
	}
	return out
}

// Get resolves a dependency's latest visible result, overlay first, then
// the journal view's scope-prefix fallback.
func (d *DepView) Get(check string) (*StepResult, bool) {
	if res, ok := d.overlay[check]; ok {
		return res, true
	}
	if d.view == nil {
		return nil, false
	}
	return d.view.Get(check)
}

// Output returns a dependency's transformed output, or nil.
func (d *DepView) Output(check string) any {
	res, ok := d.Get(check)
	if !ok || res == nil {
		return nil
	}
	return res.Output
}

// Raw returns a dependency's untransformed provider output, falling back
// to the transformed output when no raw value was recorded.
func (d *DepView) Raw(check string) any {
	res, ok := d.Get(check)
	if !ok || res == nil {
		return nil
	}
	if res.RawOutput != nil {
		return res.RawOutput
	}
	return res.Output
}

// Checks returns every check id visible through the view or overlay,
// sorted.
func (d *DepView) Checks() []string {
	seen := make(map[string]bool)
	if d.view != nil {
		for _, id := range d.view.Checks() {
			seen[id] = true
		}
	}
	for id := range d.overlay {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Outputs materializes the view as the map expressions see under the
// outputs namespace.
func (d *DepView) Outputs() map[string]any {
	out := make(map[string]any)
	for _, id := range d.Checks() {
		out[id] = d.Output(id)
	}
	return out
}

// RawOutputs materializes the outputs_raw namespace.
func (d *DepView) RawOutputs() map[string]any {
	out := make(map[string]any)
	for _, id := range d.Checks() {
		out[id] = d.Raw(id)
	}
	return out
}

// String describes the view for debug logs.
func (d *DepView) String() string {
	return fmt.Sprintf("DepView(%d checks)", len(d.Checks()))
}
