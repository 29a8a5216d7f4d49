package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes events to a writer, either as human-readable key=value
// lines or as JSON lines.
//
// Text output:
//
//	[check_complete] session=run-001 wave=1 check=security duration_ms=420
//
// JSON output (one event per line):
//
//	{"sessionId":"run-001","wave":1,"check":"security","msg":"check_complete",...}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer defaults to stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes the event. Write errors are swallowed: observability must
// never fail a run.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		payload := map[string]any{
			"sessionId": event.SessionID,
			"wave":      event.Wave,
			"check":     event.Check,
			"scope":     event.Scope,
			"msg":       event.Msg,
			"meta":      event.Meta,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintln(l.writer, string(data))
		return
	}

	line := fmt.Sprintf("[%s] session=%s wave=%d", event.Msg, event.SessionID, event.Wave)
	if event.Check != "" {
		line += " check=" + event.Check
	}
	if event.Scope != "" {
		line += " scope=" + event.Scope
	}
	for k, v := range event.Meta {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	_, _ = fmt.Fprintln(l.writer, line)
}
