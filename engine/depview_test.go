package engine

import (
	"context"
	"reflect"
	"testing"

	"github.com/dvnorth/checkflow-go/engine/journal"
)

func commitAt(t *testing.T, j *journal.MemJournal[*StepResult], session, scope, check string, res *StepResult) {
	t.Helper()
	if _, err := j.Commit(context.Background(), journal.Entry[*StepResult]{
		Session: session,
		Scope:   scope,
		Check:   check,
		Result:  res,
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func viewAt(t *testing.T, j *journal.MemJournal[*StepResult], session string, chain []string) *journal.View[*StepResult] {
	t.Helper()
	view, err := journal.NewView[*StepResult](context.Background(), j, session, j.BeginSnapshot(), chain, "")
	if err != nil {
		t.Fatalf("NewView: %v", err)
	}
	return view
}

func TestDepViewOverlayWins(t *testing.T) {
	j := journal.NewMemJournal[*StepResult]()
	commitAt(t, j, "s1", "", "fetch", &StepResult{Output: "from-journal"})

	view := viewAt(t, j, "s1", nil)
	overlay := map[string]*StepResult{"fetch": {Output: "from-overlay"}}
	deps := NewDepView(view, overlay)

	if got := deps.Output("fetch"); got != "from-overlay" {
		t.Errorf("Output = %v, overlay must win", got)
	}
	deps = NewDepView(view, nil)
	if got := deps.Output("fetch"); got != "from-journal" {
		t.Errorf("Output = %v, want journal value", got)
	}
}

// Scope resolution prefers the exact scope, then walks prefixes up to
// root.
func TestDepViewScopeFallback(t *testing.T) {
	j := journal.NewMemJournal[*StepResult]()
	commitAt(t, j, "s1", "", "fetch", &StepResult{Output: "root"})
	commitAt(t, j, "s1", "list[1]", "fetch", &StepResult{Output: "item-1"})

	chain := Root.Child("list", 1).Child("inner", 0).Chain()
	deps := NewDepView(viewAt(t, j, "s1", chain), nil)
	if got := deps.Output("fetch"); got != "item-1" {
		t.Errorf("Output = %v, want the list[1] entry via prefix fallback", got)
	}

	chain = Root.Child("list", 2).Chain()
	deps = NewDepView(viewAt(t, j, "s1", chain), nil)
	if got := deps.Output("fetch"); got != "root" {
		t.Errorf("Output = %v, want root fallback", got)
	}
}

func TestDepViewRawFallsBackToOutput(t *testing.T) {
	j := journal.NewMemJournal[*StepResult]()
	commitAt(t, j, "s1", "", "a", &StepResult{Output: "transformed", RawOutput: "raw"})
	commitAt(t, j, "s1", "", "b", &StepResult{Output: "only"})

	deps := NewDepView(viewAt(t, j, "s1", nil), nil)
	if got := deps.Raw("a"); got != "raw" {
		t.Errorf("Raw(a) = %v, want raw", got)
	}
	if got := deps.Raw("b"); got != "only" {
		t.Errorf("Raw(b) = %v, want output fallback", got)
	}
}

func TestDepViewChecksAndOutputs(t *testing.T) {
	j := journal.NewMemJournal[*StepResult]()
	commitAt(t, j, "s1", "", "b", &StepResult{Output: 2})
	deps := NewDepView(viewAt(t, j, "s1", nil), map[string]*StepResult{"a": {Output: 1}})

	if got := deps.Checks(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Checks = %v, want [a b]", got)
	}
	outputs := deps.Outputs()
	if outputs["a"] != 1 || outputs["b"] != 2 {
		t.Errorf("Outputs = %v", outputs)
	}
}

func TestSanitizeOverlay(t *testing.T) {
	var warned []any
	raw := map[any]*StepResult{
		"ok": {Output: 1},
		42:   {Output: 2},
	}
	out := SanitizeOverlay(raw, func(key any) { warned = append(warned, key) })
	if len(out) != 1 || out["ok"] == nil {
		t.Errorf("sanitized = %v", out)
	}
	if len(warned) != 1 || warned[0] != 42 {
		t.Errorf("warned = %v, want the dropped key", warned)
	}
	if SanitizeOverlay(nil, nil) != nil {
		t.Error("empty input should yield nil")
	}
}
