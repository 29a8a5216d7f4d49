package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/dvnorth/checkflow-go/engine"
	"github.com/dvnorth/checkflow-go/engine/sandbox"
)

// DefaultCommandTimeout bounds command execution when the check does not
// set its own timeout.
const DefaultCommandTimeout = 60 * time.Second

// Command runs a shell command and publishes its stdout as the step's
// output. JSON stdout is decoded; anything else passes through as a
// string. A transform_js expression may reshape the raw output.
//
// Params:
//   - exec: the command line (required, run via sh -c)
//   - timeout: seconds before the command is killed
//   - transform_js: expression over {output, outputs, env, ...}; its
//     value replaces the step output (raw output stays untouched)
//
// Failure rules (gating-fatal for dependents):
//   - command/execution_error: non-zero exit or spawn failure
//   - command/timeout: deadline exceeded
//   - command/transform_js_error: transform evaluation failed
type Command struct {
	eval *sandbox.Evaluator
}

// NewCommand creates a Command provider.
func NewCommand() *Command {
	return &Command{eval: sandbox.New()}
}

// Execute implements engine.Provider.
func (c *Command) Execute(ctx context.Context, req *engine.StepRequest, deps *engine.DepView, ec *engine.ExecContext) (*engine.StepResult, error) {
	line, _ := req.Params["exec"].(string)
	if line == "" {
		return nil, fmt.Errorf("command check %s: exec parameter is required", req.CheckID)
	}

	timeout := DefaultCommandTimeout
	switch t := req.Params["timeout"].(type) {
	case int:
		timeout = time.Duration(t) * time.Second
	case float64:
		timeout = time.Duration(t * float64(time.Second))
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", line)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		rule := "command/execution_error"
		msg := err.Error()
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			rule = "command/timeout"
			msg = fmt.Sprintf("command timed out after %s", timeout)
		} else if s := strings.TrimSpace(stderr.String()); s != "" {
			msg = msg + ": " + s
		}
		return &engine.StepResult{Issues: []engine.Issue{
			engine.NewIssue(req.CheckID, rule, msg, engine.SeverityError),
		}}, nil
	}

	raw := decodeOutput(stdout.String())
	res := &engine.StepResult{Output: raw, RawOutput: raw, Content: strings.TrimSpace(stdout.String())}

	if transform, ok := req.Params["transform_js"].(string); ok && transform != "" {
		env := req.Env
		if env == nil {
			env = map[string]any{}
		}
		env["output"] = raw
		out, err := c.eval.Eval(transform, env)
		if err != nil {
			res.Issues = append(res.Issues, engine.NewIssue(req.CheckID,
				"command/transform_js_error", err.Error(), engine.SeverityError))
			return res, nil
		}
		res.Output = out
	}
	return res, nil
}

// decodeOutput decodes JSON stdout into structured data, falling back to
// the trimmed string.
func decodeOutput(stdout string) any {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") || trimmed == "null" {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded
		}
	}
	return trimmed
}
