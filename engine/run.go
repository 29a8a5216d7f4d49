package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/dvnorth/checkflow-go/engine/emit"
	"github.com/dvnorth/checkflow-go/engine/journal"
	"github.com/dvnorth/checkflow-go/engine/sandbox"
)

// Hook origins. The origin of an inline execution controls goto
// suppression (one-bounce guard) and forward-set collapse.
const (
	originNone     = ""
	originSuccess  = "on_success"
	originFail     = "on_fail"
	originFinish   = "on_finish"
	originForEach  = "foreach"
	originForward  = "forward"
)

// forwardTarget is one routed run scheduled for the next wave.
type forwardTarget struct {
	id    string
	scope ScopePath
	event Event
}

// run owns all mutable state for a single ExecuteChecks call. Parallel
// level tasks share it; the mutex guards the maps, and each task writes
// only its own stats row and counters.
type run struct {
	eng     *Engine
	cfg     *Config
	plan    *Plan
	event   Event
	session string
	execCtx *ExecContext

	pr    *PRContext
	prMap map[string]any
	files []string
	// env is the filtered environment exposed to expressions.
	env map[string]any
	// extras are sanitized caller-supplied overlay results, merged under
	// every dependency view.
	extras map[string]*StepResult

	eval    *sandbox.Evaluator
	journal journal.Journal[*StepResult]
	history *OutputsHistory
	stats   *Recorder

	mu      sync.Mutex
	results map[string]*StepResult
	// runCounters counts executions per (check, scope) for max_runs.
	runCounters map[string]int
	// loopCount is the run-wide routing budget counter; incremented on
	// every retry, routed run, and goto.
	loopCount   int
	loopBlown   bool
	oneShotDone map[string]bool
	// finishLoops counts on_finish gotos per forEach parent.
	finishLoops map[string]int
	wave        int
	failFast    bool
	failFastHit bool

	// Per-wave guards, cleared between waves.
	forwardRunGuard map[string]bool
	bypassGating    map[string]bool

	// Scheduled for the next wave.
	nextTargets []forwardTarget
	nextBypass  map[string]bool
}

func newRun(eng *Engine, plan *Plan, event Event, session string, opts ExecOptions) *run {
	r := &run{
		eng:             eng,
		cfg:             eng.cfg,
		plan:            plan,
		event:           event,
		session:         session,
		pr:              opts.PR,
		prMap:           prToMap(opts.PR),
		files:           opts.Files,
		env:             filterEnv(opts.Env),
		eval:            sandbox.New(),
		journal:         eng.journal,
		history:         NewOutputsHistory(),
		stats:           NewRecorder(),
		results:         make(map[string]*StepResult),
		runCounters:     make(map[string]int),
		oneShotDone:     make(map[string]bool),
		finishLoops:     make(map[string]int),
		failFast:        eng.cfg.FailFast,
		forwardRunGuard: make(map[string]bool),
		bypassGating:    make(map[string]bool),
		nextBypass:      make(map[string]bool),
	}
	r.execCtx = &ExecContext{
		SessionID: session,
		CLIMode:   opts.CLIMode,
		DebugMode: opts.Debug,
		Webhook:   opts.Webhook,
	}
	r.extras = SanitizeOverlay(opts.Extras, func(key any) {
		r.emit("", "", "warning", map[string]any{"reason": "non_string_overlay_key", "key": fmt.Sprint(key)})
	})
	return r
}

// prContext reads the change context under the run lock. Context
// elevation may swap both fields mid-run, so every reader goes through
// here; the map itself is replaced on elevation, never mutated.
func (r *run) prContext() (*PRContext, map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pr, r.prMap
}

// prKey identifies the change under review for deterministic jitter
// seeding. Empty PR context seeds from the session instead.
func (r *run) prKey() string {
	pr, _ := r.prContext()
	if pr == nil {
		return r.session
	}
	return pr.Key()
}

func (r *run) counterKey(id string, scope ScopePath) string {
	return id + "\x00" + scope.Key()
}

func (r *run) emit(check, scopeKey, msg string, meta map[string]any) {
	r.mu.Lock()
	wave := r.wave
	r.mu.Unlock()
	r.eng.emitter.Emit(emitEvent(r.session, wave, check, scopeKey, msg, meta))
}

// publish stores a root-scope result for wave gating and the intra-level
// barrier.
func (r *run) publish(id string, res *StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[id] = res
}

func (r *run) published(id string) (*StepResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[id]
	return res, ok
}

// commit appends the result to the journal. Journal failures degrade the
// run (dependents lose visibility) but never abort it.
func (r *run) commit(ctx context.Context, id string, scope ScopePath, event Event, res *StepResult) {
	_, err := r.journal.Commit(ctx, journal.Entry[*StepResult]{
		Session: r.session,
		Scope:   scope.Key(),
		Check:   id,
		Event:   string(event),
		Result:  res,
	})
	if err != nil {
		r.emit(id, scope.Key(), "warning", map[string]any{"reason": "journal_commit_failed", "error": err.Error()})
	}
}

// depView assembles a step's dependency window: a journal snapshot scoped
// to the step's position plus an optional overlay. Caller extras sit under
// the overlay, so fan-out substitutions win over them.
func (r *run) depView(ctx context.Context, scope ScopePath, event Event, overlay map[string]*StepResult) *DepView {
	snap := r.journal.BeginSnapshot()
	view, err := journal.NewView[*StepResult](ctx, r.journal, r.session, snap, scope.Chain(), string(event))
	if err != nil {
		r.emit("", scope.Key(), "warning", map[string]any{"reason": "journal_read_failed", "error": err.Error()})
		view = nil
	}
	if len(r.extras) > 0 {
		merged := make(map[string]*StepResult, len(r.extras)+len(overlay))
		for k, v := range r.extras {
			merged[k] = v
		}
		for k, v := range overlay {
			merged[k] = v
		}
		overlay = merged
	}
	return NewDepView(view, overlay)
}

// stepEnv assembles the expression environment for one attempt. output is
// nil before the provider runs.
func (r *run) stepEnv(cc *CheckConfig, event Event, deps *DepView, attempt int, errMsg string, fe *ForEachInfo, output any) map[string]any {
	r.mu.Lock()
	loop := r.loopCount
	prMap := r.prMap
	r.mu.Unlock()

	env := map[string]any{
		"step": map[string]any{
			"id":    cc.ID,
			"tags":  cc.Tags,
			"group": cc.Group,
		},
		"attempt":         attempt,
		"loop":            loop,
		"error":           nil,
		"foreach":         nil,
		"outputs":         deps.Outputs(),
		"outputs_raw":     deps.RawOutputs(),
		"outputs_history": r.history.Snapshot(),
		"output":          output,
		"pr":              prMap,
		"files":           r.files,
		"env":             r.env,
		"event":           map[string]any{"name": string(event)},
		"memory":          r.memoryHelpers(),
	}
	if errMsg != "" {
		env["error"] = errMsg
	}
	if fe != nil {
		env["foreach"] = map[string]any{
			"index":  fe.Index,
			"total":  fe.Total,
			"parent": fe.Parent,
		}
	}
	return env
}

// memoryHelpers exposes the memory store to expressions. Every helper
// takes the key first and an optional namespace second.
func (r *run) memoryHelpers() map[string]any {
	store := r.eng.memory
	ns := func(args []string) string {
		if len(args) > 0 && args[0] != "" {
			return args[0]
		}
		return "default"
	}
	return map[string]any{
		"get": func(key string, namespace ...string) any {
			v, _ := store.Get(ns(namespace), key)
			return v
		},
		"has": func(key string, namespace ...string) bool {
			return store.Has(ns(namespace), key)
		},
		"set": func(key string, value any, namespace ...string) any {
			store.Set(ns(namespace), key, value)
			return value
		},
		"increment": func(key string, namespace ...string) int64 {
			return store.Increment(ns(namespace), key, 1)
		},
		"list": func(namespace ...string) []string {
			keys := store.List(ns(namespace))
			sort.Strings(keys)
			return keys
		},
		"getAll": func(namespace ...string) map[string]any {
			return store.GetAll(ns(namespace))
		},
	}
}

// filterEnv merges caller-provided variables over a safe subset of the
// process environment. Secrets-looking names never cross into the sandbox.
func filterEnv(extra map[string]any) map[string]any {
	env := make(map[string]any)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || unsafeEnvKey(k) {
			continue
		}
		env[k] = v
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

func unsafeEnvKey(k string) bool {
	upper := strings.ToUpper(k)
	for _, marker := range []string{"TOKEN", "SECRET", "KEY", "PASSWORD", "CREDENTIAL"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

func emitEvent(session string, wave int, check, scope, msg string, meta map[string]any) emit.Event {
	return emit.Event{
		SessionID: session,
		Wave:      wave,
		Check:     check,
		Scope:     scope,
		Msg:       msg,
		Meta:      meta,
	}
}
