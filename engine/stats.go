package engine

import (
	"fmt"
	"sync"
	"time"
)

// Skip reasons recorded against a check's stats row.
const (
	SkipIfCondition      = "if_condition"
	SkipFailFast         = "fail_fast"
	SkipDependencyFailed = "dependency_failed"
)

// CheckStats is the per-check counter row for one run.
type CheckStats struct {
	CheckName            string           `json:"checkName"`
	TotalRuns            int              `json:"totalRuns"`
	SuccessfulRuns       int              `json:"successfulRuns"`
	FailedRuns           int              `json:"failedRuns"`
	Skipped              bool             `json:"skipped"`
	SkipReason           string           `json:"skipReason,omitempty"`
	SkipCondition        string           `json:"skipCondition,omitempty"`
	TotalDuration        time.Duration    `json:"totalDuration"`
	ProviderDurationMs   int64            `json:"providerDurationMs"`
	PerIterationDuration []time.Duration  `json:"perIterationDuration,omitempty"`
	IssuesFound          int              `json:"issuesFound"`
	IssuesBySeverity     map[Severity]int `json:"issuesBySeverity,omitempty"`
	OutputsProduced      int              `json:"outputsProduced"`
	ErrorMessage         string           `json:"errorMessage,omitempty"`
	ForEachPreview       []string         `json:"forEachPreview,omitempty"`
}

// ExecutionStatistics is the run-level stats aggregate. TotalExecutions
// equals the sum of TotalRuns over all rows.
type ExecutionStatistics struct {
	TotalExecutions int          `json:"totalExecutions"`
	Checks          []CheckStats `json:"checks"`
}

// Recorder accumulates per-check stats during a run. Rows are created
// lazily on first touch and reported in touch order. Parallel tasks each
// write their own row; the mutex only guards the shared maps.
type Recorder struct {
	mu              sync.Mutex
	rows            map[string]*CheckStats
	order           []string
	totalExecutions int
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{rows: make(map[string]*CheckStats)}
}

func (r *Recorder) row(check string) *CheckStats {
	if row, ok := r.rows[check]; ok {
		return row
	}
	row := &CheckStats{CheckName: check, IssuesBySeverity: make(map[Severity]int)}
	r.rows[check] = row
	r.order = append(r.order, check)
	return row
}

// Touch ensures a stats row exists for the check.
func (r *Recorder) Touch(check string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.row(check)
}

// RecordIterationStart marks the beginning of one execution and returns
// its start time for the matching RecordIterationComplete call.
func (r *Recorder) RecordIterationStart(check string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.row(check)
	// A step that actually executes is no longer skipped, whatever an
	// earlier gate recorded.
	row.Skipped = false
	row.SkipReason = ""
	row.SkipCondition = ""
	return time.Now()
}

// RecordIterationComplete closes one execution: counts, duration, issue
// tallies, and output production. outputProduced reports whether the step
// yielded a non-nil output.
func (r *Recorder) RecordIterationComplete(check string, start time.Time, success bool, issues []Issue, outputProduced bool) {
	elapsed := time.Since(start)
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.row(check)
	row.TotalRuns++
	if success {
		row.SuccessfulRuns++
	} else {
		row.FailedRuns++
	}
	row.TotalDuration += elapsed
	row.PerIterationDuration = append(row.PerIterationDuration, elapsed)
	row.IssuesFound += len(issues)
	for _, issue := range issues {
		row.IssuesBySeverity[issue.Severity]++
	}
	if outputProduced {
		row.OutputsProduced++
	}
	r.totalExecutions++
}

// RecordProviderDuration accumulates raw provider time for a check,
// separate from total step duration (which includes routed descendants).
func (r *Recorder) RecordProviderDuration(check string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.row(check).ProviderDurationMs += d.Milliseconds()
}

// RecordSkip marks a check as skipped for the given reason unless it has
// already executed.
func (r *Recorder) RecordSkip(check, reason, condition string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.row(check)
	if row.TotalRuns > 0 {
		return
	}
	row.Skipped = true
	row.SkipReason = reason
	row.SkipCondition = condition
}

// RecordError stores the last error message seen for a check.
func (r *Recorder) RecordError(check, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.row(check).ErrorMessage = msg
}

// RecordForEachPreview stores up to the first 3 stringified items plus a
// "...N more" marker when the list is longer.
func (r *Recorder) RecordForEachPreview(check string, items []any) {
	const limit = 3
	preview := make([]string, 0, limit+1)
	for i, item := range items {
		if i == limit {
			preview = append(preview, fmt.Sprintf("...%d more", len(items)-limit))
			break
		}
		preview = append(preview, fmt.Sprintf("%v", item))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.row(check).ForEachPreview = preview
}

// Statistics returns the run aggregate with rows in first-touch order.
func (r *Recorder) Statistics() ExecutionStatistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := ExecutionStatistics{
		TotalExecutions: r.totalExecutions,
		Checks:          make([]CheckStats, 0, len(r.order)),
	}
	for _, check := range r.order {
		row := *r.rows[check]
		row.PerIterationDuration = append([]time.Duration(nil), row.PerIterationDuration...)
		row.ForEachPreview = append([]string(nil), row.ForEachPreview...)
		sev := make(map[Severity]int, len(row.IssuesBySeverity))
		for k, v := range row.IssuesBySeverity {
			sev[k] = v
		}
		row.IssuesBySeverity = sev
		stats.Checks = append(stats.Checks, row)
	}
	return stats
}

// StatsFor returns a copy of one check's row, if it exists.
func (r *Recorder) StatsFor(check string) (CheckStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[check]
	if !ok {
		return CheckStats{}, false
	}
	return *row, true
}
