// Package engine provides the core check-execution engine for checkflow-go.
package engine

import "errors"

// Engine-level rule ids attached to synthesized issues. Provider-specific
// rule ids (command/*, ai/*) are namespaced by the producing check.
const (
	RuleMaxRunsExceeded    = "limits/max_runs_exceeded"
	RuleLoopBudgetExceeded = "routing/loop_budget_exceeded"
	RuleDependencyError    = "dependency-validation-error"
	RuleCircularDependency = "circular-dependency-error"
	RuleForEachUndefined   = "forEach/undefined_output"
)

// ErrNoChecksSelected is returned internally when a run selects nothing;
// the facade converts it into an empty result rather than surfacing it.
var ErrNoChecksSelected = errors.New("no checks selected")

// ErrStrictMode is wrapped by the error the facade returns at end of run
// when strict mode is on and a provider error issue was produced.
var ErrStrictMode = errors.New("strict mode: provider errors present")

// EngineError is a structured error with a machine-readable code.
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *EngineError) Unwrap() error { return e.Cause }

// PlanError reports a planning failure: a dependency validation error or a
// dependency cycle. Planning failures are fatal to the run; no steps
// execute and the facade surfaces a single synthesized issue.
type PlanError struct {
	// Rule is RuleDependencyError or RuleCircularDependency.
	Rule    string
	Message string
	// Cycle holds the offending path for cycle errors, e.g. ["A","B","C","A"].
	Cycle []string
}

func (e *PlanError) Error() string { return e.Rule + ": " + e.Message }
