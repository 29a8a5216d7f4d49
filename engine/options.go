package engine

import (
	"github.com/dvnorth/checkflow-go/engine/emit"
	"github.com/dvnorth/checkflow-go/engine/journal"
	"github.com/dvnorth/checkflow-go/engine/memory"
)

// WithJournal replaces the default in-memory journal with another
// backend (SQLite, MySQL).
func WithJournal(j journal.Journal[*StepResult]) Option {
	return func(e *Engine) { e.journal = j }
}

// WithMemory replaces the default in-process memory store.
func WithMemory(s memory.Store) Option {
	return func(e *Engine) { e.memory = s }
}

// WithEmitter sets the telemetry emitter. Defaults to a null emitter.
func WithEmitter(em emit.Emitter) Option {
	return func(e *Engine) {
		if em != nil {
			e.emitter = em
		}
	}
}

// WithMetrics attaches a Prometheus metric set.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRenderer sets the content renderer collaborator.
func WithRenderer(r Renderer) Option {
	return func(e *Engine) { e.renderer = r }
}

// WithAnalyzer sets the context-elevation collaborator used when routing
// shifts to a PR-class event.
func WithAnalyzer(a Analyzer) Option {
	return func(e *Engine) { e.analyzer = a }
}

// WithMaxParallelism overrides the config's level concurrency bound.
func WithMaxParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.cfg.MaxParallelism = n
		}
	}
}

// WithFailFast overrides the config's fail_fast setting.
func WithFailFast(on bool) Option {
	return func(e *Engine) { e.cfg.FailFast = on }
}

// WithStrictMode overrides the CHECKFLOW_STRICT environment toggle.
func WithStrictMode(on bool) Option {
	return func(e *Engine) { e.strict = on }
}

// WithDebug overrides the CHECKFLOW_DEBUG environment toggle.
func WithDebug(on bool) Option {
	return func(e *Engine) { e.debug = on }
}
