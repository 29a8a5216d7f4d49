package engine

import (
	"reflect"
	"testing"
)

func TestHistoryAppendAndSnapshot(t *testing.T) {
	h := NewOutputsHistory()
	h.Append("fetch", map[string]any{"files": 3})
	h.Append("fetch", "second")

	if got := h.Of("fetch"); len(got) != 2 {
		t.Fatalf("Of(fetch) = %v, want 2 entries", got)
	}
	snap := h.Snapshot()
	if len(snap["fetch"]) != 2 {
		t.Errorf("snapshot fetch = %v", snap["fetch"])
	}
	// The snapshot slice is a copy.
	snap["fetch"][0] = "mutated"
	if h.Of("fetch")[0] == "mutated" {
		t.Error("snapshot aliases internal storage")
	}
}

func TestHistoryWaveMarkers(t *testing.T) {
	h := NewOutputsHistory()
	items := []any{
		map[string]any{"id": "f1"},
		map[string]any{"id": "f2"},
	}

	loop := h.BeginLoop("scan")
	if loop != 1 {
		t.Fatalf("first BeginLoop = %d, want 1", loop)
	}
	h.AppendWave("scan", loop, items)

	entries := h.Of("scan")
	if len(entries) != 2 {
		t.Fatalf("wave append should store aggregate + marker, got %d entries", len(entries))
	}
	marker, ok := entries[1].(map[string]any)
	if !ok {
		t.Fatalf("marker is %T", entries[1])
	}
	if marker["loop_idx"] != 1 || marker["last_loop"] != true {
		t.Errorf("marker = %v", marker)
	}
	if !reflect.DeepEqual(marker["items"], []any{"f1", "f2"}) {
		t.Errorf("marker items = %v, want item ids", marker["items"])
	}
}

// A new wave clears every previous last_loop flag so expressions can
// always find the current wave by scanning for last_loop == true.
func TestHistoryBeginLoopClearsLastLoop(t *testing.T) {
	h := NewOutputsHistory()
	items := []any{map[string]any{"id": "a"}}

	loop1 := h.BeginLoop("scan")
	h.AppendWave("scan", loop1, items)
	h.AppendItem("validate", "scan", loop1, items[0], 0, map[string]any{"is_valid": false})

	loop2 := h.BeginLoop("scan")
	if loop2 != 2 {
		t.Fatalf("second BeginLoop = %d, want 2", loop2)
	}
	h.AppendWave("scan", loop2, items)
	h.AppendItem("validate", "scan", loop2, items[0], 0, map[string]any{"is_valid": true})

	lastLoops := 0
	for _, entry := range h.Of("validate") {
		m := entry.(map[string]any)
		if m["last_loop"] == true {
			lastLoops++
			if m["loop_idx"] != 2 || m["is_valid"] != true {
				t.Errorf("stale entry still marked last_loop: %v", m)
			}
		}
	}
	if lastLoops != 1 {
		t.Errorf("%d validate entries marked last_loop, want 1", lastLoops)
	}
}

func TestHistoryAppendItemAnnotations(t *testing.T) {
	h := NewOutputsHistory()
	original := map[string]any{"score": 9}
	h.AppendItem("validate", "scan", 1, map[string]any{"id": "f1"}, 0, original)

	entry := h.Of("validate")[0].(map[string]any)
	if entry["score"] != 9 || entry["parent"] != "scan" || entry["id"] != "f1" {
		t.Errorf("entry = %v", entry)
	}
	if _, tainted := original["parent"]; tainted {
		t.Error("AppendItem mutated the caller's map")
	}

	// Non-map outputs are wrapped; plain items fall back to their index.
	h.AppendItem("validate", "scan", 1, "raw-item", 3, "plain")
	wrapped := h.Of("validate")[1].(map[string]any)
	if wrapped["value"] != "plain" || wrapped["id"] != 3 {
		t.Errorf("wrapped entry = %v", wrapped)
	}
}

func TestHistoryAppendMissingItem(t *testing.T) {
	h := NewOutputsHistory()
	h.AppendMissingItem("validate", "scan", 1, map[string]any{"id": "gone"}, 2)

	entry := h.Of("validate")[0].(map[string]any)
	if entry["is_valid"] != false || entry["reason"] != "missing" || entry["confidence"] != "low" {
		t.Errorf("missing-item record = %v", entry)
	}
	if entry["id"] != "gone" {
		t.Errorf("id = %v, want gone", entry["id"])
	}
}
