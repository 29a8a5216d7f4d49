package engine

import (
	"reflect"
	"testing"
	"time"
)

func TestRecorderIterations(t *testing.T) {
	r := NewRecorder()
	start := r.RecordIterationStart("security")
	issues := []Issue{
		{Severity: SeverityError},
		{Severity: SeverityWarning},
	}
	r.RecordIterationComplete("security", start, false, issues, true)
	start = r.RecordIterationStart("security")
	r.RecordIterationComplete("security", start, true, nil, true)

	row, ok := r.StatsFor("security")
	if !ok {
		t.Fatal("row missing")
	}
	if row.TotalRuns != 2 || row.SuccessfulRuns != 1 || row.FailedRuns != 1 {
		t.Errorf("counts = %+v", row)
	}
	if row.IssuesFound != 2 || row.IssuesBySeverity[SeverityError] != 1 {
		t.Errorf("issue tallies = %+v", row)
	}
	if row.OutputsProduced != 2 || len(row.PerIterationDuration) != 2 {
		t.Errorf("outputs/durations = %+v", row)
	}

	stats := r.Statistics()
	if stats.TotalExecutions != 2 {
		t.Errorf("TotalExecutions = %d, want 2", stats.TotalExecutions)
	}
}

// A skip recorded before execution is erased once the check actually
// runs, and never recorded after it ran.
func TestRecorderSkipSemantics(t *testing.T) {
	r := NewRecorder()
	r.RecordSkip("gated", SkipIfCondition, "files > 0")
	row, _ := r.StatsFor("gated")
	if !row.Skipped || row.SkipCondition != "files > 0" {
		t.Fatalf("skip not recorded: %+v", row)
	}

	start := r.RecordIterationStart("gated")
	r.RecordIterationComplete("gated", start, true, nil, false)
	row, _ = r.StatsFor("gated")
	if row.Skipped || row.SkipReason != "" {
		t.Errorf("execution must clear the skip, got %+v", row)
	}

	r.RecordSkip("gated", SkipFailFast, "")
	row, _ = r.StatsFor("gated")
	if row.Skipped {
		t.Error("a check that ran cannot be marked skipped afterwards")
	}
}

func TestRecorderForEachPreview(t *testing.T) {
	r := NewRecorder()
	r.RecordForEachPreview("list", []any{"a", "b", "c", "d", "e"})
	row, _ := r.StatsFor("list")
	want := []string{"a", "b", "c", "...2 more"}
	if !reflect.DeepEqual(row.ForEachPreview, want) {
		t.Errorf("preview = %v, want %v", row.ForEachPreview, want)
	}

	r.RecordForEachPreview("short", []any{1, 2})
	row, _ = r.StatsFor("short")
	if !reflect.DeepEqual(row.ForEachPreview, []string{"1", "2"}) {
		t.Errorf("short preview = %v", row.ForEachPreview)
	}
}

func TestRecorderTouchOrder(t *testing.T) {
	r := NewRecorder()
	r.Touch("c")
	r.Touch("a")
	start := r.RecordIterationStart("b")
	r.RecordIterationComplete("b", start, true, nil, false)

	stats := r.Statistics()
	var order []string
	for _, row := range stats.Checks {
		order = append(order, row.CheckName)
	}
	if !reflect.DeepEqual(order, []string{"c", "a", "b"}) {
		t.Errorf("row order = %v, want first-touch order", order)
	}
}

func TestRecorderProviderDuration(t *testing.T) {
	r := NewRecorder()
	r.RecordProviderDuration("x", 1500*time.Millisecond)
	r.RecordProviderDuration("x", 500*time.Millisecond)
	row, _ := r.StatsFor("x")
	if row.ProviderDurationMs != 2000 {
		t.Errorf("ProviderDurationMs = %d, want 2000", row.ProviderDurationMs)
	}
}

func TestStatisticsIsACopy(t *testing.T) {
	r := NewRecorder()
	start := r.RecordIterationStart("x")
	r.RecordIterationComplete("x", start, true, []Issue{{Severity: SeverityInfo}}, false)

	stats := r.Statistics()
	stats.Checks[0].IssuesBySeverity[SeverityInfo] = 99
	stats.Checks[0].PerIterationDuration[0] = 0

	row, _ := r.StatsFor("x")
	if row.IssuesBySeverity[SeverityInfo] != 1 {
		t.Error("Statistics shares the severity map with the recorder")
	}
}
