package engine

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// A nil *Metrics must be safe to call: engines built without
// WithMetrics go through the same code paths.
func TestMetricsNilReceiver(t *testing.T) {
	var m *Metrics
	m.CheckStarted()
	m.CheckFinished()
	m.WaveStarted()
	m.ObserveCheck("lint", time.Millisecond, true)
	m.Retried("lint")
	m.RoutingLoopExceeded()
	m.ObserveIssues("lint", []Issue{{Severity: SeverityError}})
}

func TestMetricsCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.CheckStarted()
	m.CheckStarted()
	m.CheckFinished()
	if got := testutil.ToFloat64(m.inflight); got != 1 {
		t.Errorf("inflight = %v, want 1", got)
	}

	m.WaveStarted()
	m.WaveStarted()
	if got := testutil.ToFloat64(m.waves); got != 2 {
		t.Errorf("waves = %v, want 2", got)
	}

	m.Retried("lint")
	m.Retried("lint")
	m.Retried("test")
	if got := testutil.ToFloat64(m.retries.WithLabelValues("lint")); got != 2 {
		t.Errorf("lint retries = %v, want 2", got)
	}

	m.ObserveIssues("lint", []Issue{
		{Severity: SeverityError},
		{Severity: SeverityError},
		{Severity: SeverityWarning},
	})
	if got := testutil.ToFloat64(m.issues.WithLabelValues("lint", "error")); got != 2 {
		t.Errorf("error issues = %v, want 2", got)
	}

	m.ObserveCheck("lint", 30*time.Millisecond, false)
	problems, err := testutil.GatherAndLint(reg)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, p := range problems {
		t.Errorf("lint: %s: %s", p.Metric, p.Text)
	}
}
