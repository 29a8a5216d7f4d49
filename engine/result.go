package engine

// StepResult is the normalized outcome of one step attempt (or, for a
// forEach dependent, the aggregate over all item attempts).
//
// Providers may return partial shapes; normalizeResult folds them into this
// single tagged variant at the boundary.
type StepResult struct {
	// Issues found by the step, in the order they were produced.
	Issues []Issue `json:"issues"`

	// Output is the step's structured output. For forEach parents this must
	// be an array; for forEach dependents the aggregate holds one output per
	// item index.
	Output any `json:"output,omitempty"`

	// RawOutput is the untransformed provider output, exposed to
	// expressions via the outputs_raw namespace. Equal to Output unless the
	// provider applied a transform.
	RawOutput any `json:"rawOutput,omitempty"`

	// Content is optional pre-rendered text for output rendering.
	Content string `json:"content,omitempty"`

	// IsForEach marks an aggregate that wraps per-item results.
	IsForEach bool `json:"isForEach,omitempty"`

	// ForEachItems is the array the forEach parent produced.
	ForEachItems []any `json:"forEachItems,omitempty"`

	// ForEachItemResults holds per-index child results. Its length always
	// equals len(ForEachItems) on a committed aggregate.
	ForEachItemResults []*StepResult `json:"forEachItemResults,omitempty"`

	// ForEachFatalMask marks, per index, whether that item is fatal for
	// descendants. Same length as ForEachItems.
	ForEachFatalMask []bool `json:"forEachFatalMask,omitempty"`

	// Skipped marks a result synthesized for a step that did not execute.
	Skipped bool `json:"skipped,omitempty"`

	// Debug carries opaque provider metadata, retained only when provider
	// debug mode is on.
	Debug map[string]any `json:"debug,omitempty"`
}

// normalizeResult folds a provider return value into a StepResult.
// A nil result with no error becomes an empty success; a bare value is
// wrapped as {issues: [], output: value}.
func normalizeResult(res *StepResult, bare any) *StepResult {
	if res != nil {
		if res.Issues == nil {
			res.Issues = []Issue{}
		}
		if res.RawOutput == nil {
			res.RawOutput = res.Output
		}
		return res
	}
	return &StepResult{Issues: []Issue{}, Output: bare, RawOutput: bare}
}

// skippedResult synthesizes the marker result for a step that was skipped,
// carrying a single info-severity "<check>/__skipped" issue.
func skippedResult(check, reason string) *StepResult {
	return &StepResult{
		Skipped: true,
		Issues:  []Issue{newIssue(check, check+"/__skipped", "skipped: "+reason, SeverityInfo)},
	}
}

// CheckResult is one rendered entry in GroupedResults.
type CheckResult struct {
	CheckName string         `json:"checkName"`
	Content   string         `json:"content,omitempty"`
	Group     string         `json:"group"`
	Output    any            `json:"output,omitempty"`
	Issues    []Issue        `json:"issues"`
	Debug     map[string]any `json:"debug,omitempty"`
}

// GroupedResults maps a rendering group to its ordered check results.
type GroupedResults map[string][]CheckResult

// RunResult is what the engine facade returns: grouped results plus
// execution statistics and the full outputs history of the run. A run
// always yields a RunResult, even when planning fails.
type RunResult struct {
	Results    GroupedResults      `json:"results"`
	Statistics ExecutionStatistics `json:"statistics"`
	History    map[string][]any    `json:"history"`
}
