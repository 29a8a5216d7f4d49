package provider

import (
	"context"
	"fmt"

	"github.com/dvnorth/checkflow-go/engine"
	"github.com/dvnorth/checkflow-go/engine/sandbox"
)

// Script evaluates an expression against the step environment and
// publishes the value as the step's output. It is the workhorse for
// reduce steps and derived values.
//
// Params:
//   - script (or expr): the expression to evaluate (required)
type Script struct {
	eval *sandbox.Evaluator
}

// NewScript creates a Script provider.
func NewScript() *Script {
	return &Script{eval: sandbox.New()}
}

// Execute implements engine.Provider.
func (s *Script) Execute(ctx context.Context, req *engine.StepRequest, deps *engine.DepView, ec *engine.ExecContext) (*engine.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	code, _ := req.Params["script"].(string)
	if code == "" {
		code, _ = req.Params["expr"].(string)
	}
	if code == "" {
		return nil, fmt.Errorf("script check %s: script parameter is required", req.CheckID)
	}

	out, err := s.eval.Eval(code, req.Env)
	if err != nil {
		return nil, fmt.Errorf("script check %s: %w", req.CheckID, err)
	}
	return &engine.StepResult{Output: out, RawOutput: out}, nil
}
