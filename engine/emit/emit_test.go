package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func sample() Event {
	return Event{
		SessionID: "run-001",
		Wave:      1,
		Check:     "security",
		Scope:     "list[0]",
		Msg:       "check_complete",
		Meta:      map[string]any{"issues": 2},
	}
}

func TestBufferedEmitter(t *testing.T) {
	buf := NewBufferedEmitter(nil)
	buf.Emit(sample())
	buf.Emit(Event{Msg: "run_end"})

	events := buf.Events()
	if len(events) != 2 || events[0].Msg != "check_complete" || events[1].Msg != "run_end" {
		t.Errorf("events = %v", events)
	}

	// Events() is a copy; mutating it does not touch the buffer.
	events[0].Msg = "mutated"
	if buf.Events()[0].Msg != "check_complete" {
		t.Error("Events aliases the buffer")
	}
}

func TestBufferedEmitterFlush(t *testing.T) {
	sink := NewBufferedEmitter(nil)
	buf := NewBufferedEmitter(sink)
	buf.Emit(sample())
	buf.Flush()

	if got := len(sink.Events()); got != 1 {
		t.Errorf("sink received %d events, want 1", got)
	}
	if got := len(buf.Events()); got != 0 {
		t.Errorf("buffer kept %d events after flush", got)
	}

	// Flushing with no wrapped emitter only clears.
	solo := NewBufferedEmitter(nil)
	solo.Emit(sample())
	solo.Flush()
	if len(solo.Events()) != 0 {
		t.Error("flush did not clear the buffer")
	}
}

func TestLogEmitterText(t *testing.T) {
	var out bytes.Buffer
	l := NewLogEmitter(&out, false)
	l.Emit(sample())

	line := out.String()
	for _, want := range []string{"[check_complete]", "session=run-001", "wave=1", "check=security", "scope=list[0]", "issues=2"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var out bytes.Buffer
	l := NewLogEmitter(&out, true)
	l.Emit(sample())

	var decoded map[string]any
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, out.String())
	}
	if decoded["msg"] != "check_complete" || decoded["sessionId"] != "run-001" {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestNullEmitter(t *testing.T) {
	// Just must not panic.
	NewNullEmitter().Emit(sample())
}

func TestOTelEmitterSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	emitter := NewOTelEmitter(provider.Tracer("test"))

	emitter.Emit(sample())
	emitter.Emit(Event{Msg: "warning", Meta: map[string]any{"error": "boom"}})

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Name() != "check_complete" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	found := false
	for _, attr := range spans[0].Attributes() {
		if string(attr.Key) == "checkflow.check" && attr.Value.AsString() == "security" {
			found = true
		}
	}
	if !found {
		t.Error("span missing checkflow.check attribute")
	}
	if spans[1].Status().Description != "boom" {
		t.Errorf("error meta should set span status, got %+v", spans[1].Status())
	}
}

func TestOTelEmitterNilTracer(t *testing.T) {
	NewOTelEmitter(nil).Emit(sample())
}
