package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics publishes engine activity to Prometheus. A nil *Metrics is a
// valid no-op receiver, so callers that skip WithMetrics pay nothing.
type Metrics struct {
	inflight  prometheus.Gauge
	waves     prometheus.Counter
	duration  *prometheus.HistogramVec
	retries   *prometheus.CounterVec
	loopStops prometheus.Counter
	issues    *prometheus.CounterVec
}

// NewMetrics creates the engine's metric set and registers it with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "checkflow",
			Name:      "checks_inflight",
			Help:      "Checks currently executing.",
		}),
		waves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "checkflow",
			Name:      "waves_total",
			Help:      "Execution waves started.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "checkflow",
			Name:      "check_duration_seconds",
			Help:      "Per-check attempt duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"check", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkflow",
			Name:      "check_retries_total",
			Help:      "Retry attempts per check.",
		}, []string{"check"}),
		loopStops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "checkflow",
			Name:      "routing_budget_exceeded_total",
			Help:      "Times the routing loop budget was exhausted.",
		}),
		issues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkflow",
			Name:      "issues_total",
			Help:      "Issues produced, by check and severity.",
		}, []string{"check", "severity"}),
	}
	if reg != nil {
		reg.MustRegister(m.inflight, m.waves, m.duration, m.retries, m.loopStops, m.issues)
	}
	return m
}

func (m *Metrics) CheckStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) CheckFinished() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

func (m *Metrics) WaveStarted() {
	if m == nil {
		return
	}
	m.waves.Inc()
}

func (m *Metrics) ObserveCheck(check string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.duration.WithLabelValues(check, status).Observe(d.Seconds())
}

func (m *Metrics) Retried(check string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(check).Inc()
}

func (m *Metrics) RoutingLoopExceeded() {
	if m == nil {
		return
	}
	m.loopStops.Inc()
}

func (m *Metrics) ObserveIssues(check string, issues []Issue) {
	if m == nil {
		return
	}
	for _, issue := range issues {
		m.issues.WithLabelValues(check, string(issue.Severity)).Inc()
	}
}
