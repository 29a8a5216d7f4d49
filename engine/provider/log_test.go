package provider

import (
	"context"
	"testing"

	"github.com/dvnorth/checkflow-go/engine"
	"github.com/dvnorth/checkflow-go/engine/emit"
)

func TestLogMessageAndValue(t *testing.T) {
	buf := emit.NewBufferedEmitter(nil)
	l := NewLog(buf)
	req := &engine.StepRequest{
		CheckID:  "announce",
		ScopeKey: "list[0]",
		Params: map[string]any{
			"message": "starting review",
			"value":   map[string]any{"stage": 1},
		},
	}
	res, err := l.Execute(context.Background(), req, engine.NewDepView(nil, nil), &engine.ExecContext{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "starting review" {
		t.Errorf("content = %q", res.Content)
	}
	out, _ := res.Output.(map[string]any)
	if out["stage"] != 1 {
		t.Errorf("output = %v", res.Output)
	}

	events := buf.Events()
	if len(events) != 1 || events[0].Msg != "log" || events[0].Check != "announce" {
		t.Fatalf("events = %v", events)
	}
	if events[0].Meta["message"] != "starting review" {
		t.Errorf("meta = %v", events[0].Meta)
	}
}

func TestLogMessageJS(t *testing.T) {
	l := NewLog(nil)
	req := &engine.StepRequest{
		CheckID: "announce",
		Params: map[string]any{
			"message":    "fallback",
			"message_js": `"files: " + string(len(files))`,
		},
		Env: map[string]any{"files": []any{"a.go", "b.go"}},
	}
	res, err := l.Execute(context.Background(), req, engine.NewDepView(nil, nil), &engine.ExecContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "files: 2" {
		t.Errorf("content = %q, want the evaluated message", res.Content)
	}
}

// A broken message_js falls back to the static message instead of
// failing the step.
func TestLogMessageJSError(t *testing.T) {
	l := NewLog(nil)
	req := &engine.StepRequest{
		CheckID: "announce",
		Params: map[string]any{
			"message":    "fallback",
			"message_js": "1 +",
		},
		Env: map[string]any{},
	}
	res, err := l.Execute(context.Background(), req, engine.NewDepView(nil, nil), &engine.ExecContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "fallback" {
		t.Errorf("content = %q, want fallback", res.Content)
	}
}

func TestLogNoMessageNoEmit(t *testing.T) {
	buf := emit.NewBufferedEmitter(nil)
	l := NewLog(buf)
	req := &engine.StepRequest{CheckID: "quiet", Params: map[string]any{"value": 7}}
	res, err := l.Execute(context.Background(), req, engine.NewDepView(nil, nil), &engine.ExecContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != 7 {
		t.Errorf("output = %v", res.Output)
	}
	if len(buf.Events()) != 0 {
		t.Errorf("no message must mean no emit, got %v", buf.Events())
	}
}
