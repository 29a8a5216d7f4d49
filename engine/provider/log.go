package provider

import (
	"context"
	"fmt"

	"github.com/dvnorth/checkflow-go/engine"
	"github.com/dvnorth/checkflow-go/engine/emit"
	"github.com/dvnorth/checkflow-go/engine/sandbox"
)

// Log is the simplest provider: it renders a message, optionally emits
// it, and passes a configured value through as its output.
//
// Params:
//   - message: static text for the check's content
//   - message_js: expression evaluated against the step environment;
//     overrides message when it yields a non-empty string
//   - value: arbitrary value to publish as the step's output
type Log struct {
	emitter emit.Emitter
	eval    *sandbox.Evaluator
}

// NewLog creates a Log provider. emitter may be nil.
func NewLog(emitter emit.Emitter) *Log {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Log{emitter: emitter, eval: sandbox.New()}
}

// Execute implements engine.Provider.
func (l *Log) Execute(ctx context.Context, req *engine.StepRequest, deps *engine.DepView, ec *engine.ExecContext) (*engine.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	message, _ := req.Params["message"].(string)
	if js, ok := req.Params["message_js"].(string); ok && js != "" {
		out, err := l.eval.Eval(js, req.Env)
		if err == nil {
			if s, ok := out.(string); ok && s != "" {
				message = s
			} else if out != nil {
				message = fmt.Sprintf("%v", out)
			}
		}
	}

	if message != "" {
		l.emitter.Emit(emit.Event{
			SessionID: ec.SessionID,
			Check:     req.CheckID,
			Scope:     req.ScopeKey,
			Msg:       "log",
			Meta:      map[string]any{"message": message},
		})
	}

	return &engine.StepResult{
		Content: message,
		Output:  req.Params["value"],
	}, nil
}
