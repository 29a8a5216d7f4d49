package engine

import "sync"

// OutputsHistory records every output observed during a run, per check, in
// completion order. Routing expressions read it via the outputs_history
// namespace, and providers receive a read-only snapshot for template
// rendering.
//
// For forEach parents the history additionally carries wave markers, and
// per-item child outputs are annotated with their wave so expressions can
// reason about the last wave by scanning a single check's history.
type OutputsHistory struct {
	mu      sync.Mutex
	entries map[string][]any
	// loops counts completed fan-out waves per parent check.
	loops map[string]int
}

// NewOutputsHistory creates an empty history.
func NewOutputsHistory() *OutputsHistory {
	return &OutputsHistory{
		entries: make(map[string][]any),
		loops:   make(map[string]int),
	}
}

// Append records a plain output for a check.
func (h *OutputsHistory) Append(check string, output any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[check] = append(h.entries[check], output)
}

// BeginLoop clears last_loop flags everywhere and returns the new wave
// index for the parent. Called once per fan-out wave before per-item
// entries are appended.
func (h *OutputsHistory) BeginLoop(parent string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, list := range h.entries {
		for _, entry := range list {
			if m, ok := entry.(map[string]any); ok {
				if _, has := m["last_loop"]; has {
					m["last_loop"] = false
				}
			}
		}
	}
	h.loops[parent]++
	return h.loops[parent]
}

// Loop returns the current wave index for a parent (zero before the
// first BeginLoop).
func (h *OutputsHistory) Loop(parent string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loops[parent]
}

// AppendWave records a forEach parent's aggregate for one wave: the
// aggregate array itself followed by a marker object carrying the wave
// index and the item ids.
func (h *OutputsHistory) AppendWave(parent string, loopIdx int, items []any) {
	itemIDs := make([]any, len(items))
	for i, item := range items {
		itemIDs[i] = itemID(item, i)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[parent] = append(h.entries[parent], items, map[string]any{
		"loop_idx":  loopIdx,
		"last_loop": true,
		"items":     itemIDs,
	})
}

// AppendItem records one per-item child output annotated with its wave.
// Non-map outputs are wrapped so the annotation has somewhere to live.
func (h *OutputsHistory) AppendItem(child, parent string, loopIdx int, item any, index int, output any) {
	entry := annotatable(output)
	entry["parent"] = parent
	entry["loop_idx"] = loopIdx
	entry["last_loop"] = true
	entry["id"] = itemID(item, index)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[child] = append(h.entries[child], entry)
}

// AppendMissingItem synthesizes the record for an item the child produced
// no output for, so downstream expressions can still scan the child's
// history wave by wave.
func (h *OutputsHistory) AppendMissingItem(child, parent string, loopIdx int, item any, index int) {
	h.AppendItem(child, parent, loopIdx, item, index, map[string]any{
		"is_valid":   false,
		"confidence": "low",
		"reason":     "missing",
	})
}

// Of returns a copy of one check's history.
func (h *OutputsHistory) Of(check string) []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]any, len(h.entries[check]))
	copy(out, h.entries[check])
	return out
}

// Snapshot returns a copy of the full history map.
func (h *OutputsHistory) Snapshot() map[string][]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]any, len(h.entries))
	for check, list := range h.entries {
		cp := make([]any, len(list))
		copy(cp, list)
		out[check] = cp
	}
	return out
}

// annotatable returns output as a map that annotations can be added to,
// copying maps (the original stays untouched) and wrapping other values
// under "value".
func annotatable(output any) map[string]any {
	if m, ok := output.(map[string]any); ok {
		cp := make(map[string]any, len(m)+4)
		for k, v := range m {
			cp[k] = v
		}
		return cp
	}
	return map[string]any{"value": output}
}

// itemID derives a stable id for a fan-out item: the item's "id" field
// when it has one, otherwise its index.
func itemID(item any, index int) any {
	if m, ok := item.(map[string]any); ok {
		if id, ok := m["id"]; ok {
			return id
		}
	}
	return index
}
