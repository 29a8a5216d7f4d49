package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// barrierPoll is the interval a task re-checks same-wave dependency
	// publication; barrierDeadline bounds the wait.
	barrierPoll     = 50 * time.Millisecond
	barrierDeadline = 10 * time.Second
)

// execute drives the wave loop: the planned levels first, then repeated
// waves while routing hooks keep scheduling forward targets, bounded by
// the routing budget.
func (r *run) execute(ctx context.Context) {
	for {
		r.mu.Lock()
		r.wave++
		wave := r.wave
		r.mu.Unlock()
		r.emit("", "", "wave_start", map[string]any{"wave": wave})
		r.eng.metrics.WaveStarted()

		if wave == 1 {
			r.runLevels(ctx)
		} else {
			targets := r.takeNextTargets()
			if len(targets) == 0 {
				return
			}
			r.runWaveTargets(ctx, targets)
		}

		scheduled := r.processFinishHooks(ctx)

		r.mu.Lock()
		more := scheduled || len(r.nextTargets) > 0
		r.forwardRunGuard = make(map[string]bool)
		r.bypassGating = r.nextBypass
		r.nextBypass = make(map[string]bool)
		if more {
			// The journal, history, and counters survive between waves;
			// only the published-results map resets.
			r.results = make(map[string]*StepResult)
		}
		r.mu.Unlock()

		if !more || wave > r.cfg.MaxLoops() {
			return
		}
	}
}

// runLevels executes the planned execution order with per-level
// parallelism.
func (r *run) runLevels(ctx context.Context) {
	limit := r.cfg.EffectiveMaxParallelism()
	for li, level := range r.plan.Order {
		if r.stopped() {
			r.recordFailFastSkips(r.plan.Order[li:])
			return
		}
		groups := sessionGroups(r.cfg, level.Parallel)
		n := limit
		if len(level.Parallel) < n {
			n = len(level.Parallel)
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(n)
		for _, group := range groups {
			group := group
			g.Go(func() error {
				// Steps sharing an AI session run sequentially within
				// their group; unrelated steps keep full parallelism.
				for _, id := range group {
					if r.stopped() {
						return nil
					}
					r.runLevelTask(gctx, id, level.Level)
				}
				return nil
			})
		}
		_ = g.Wait() // tasks never return errors
	}
}

// recordFailFastSkips marks the checks in the unreached levels as skipped
// after a fail-fast stop.
func (r *run) recordFailFastSkips(levels []Level) {
	for _, level := range levels {
		for _, id := range level.Parallel {
			if _, done := r.published(id); !done {
				r.stats.RecordSkip(id, SkipFailFast, "")
			}
		}
	}
}

// allFatal reports whether a non-empty mask marks every index fatal.
func allFatal(mask []bool) bool {
	if len(mask) == 0 {
		return false
	}
	for _, f := range mask {
		if !f {
			return false
		}
	}
	return true
}

// sessionGroups partitions a level so that checks reusing the same AI
// session land in one sequential group.
func sessionGroups(cfg *Config, ids []string) [][]string {
	byKey := make(map[string][]string)
	var order []string
	for _, id := range ids {
		key := id
		if cc, ok := cfg.Checks[id]; ok && cc.ReuseAISession != "" {
			key = "session:" + cc.ReuseAISession
		}
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], id)
	}
	groups := make([][]string, 0, len(order))
	for _, key := range order {
		groups = append(groups, byKey[key])
	}
	return groups
}

// runLevelTask runs one check from the level plan: barrier, gates, then
// the routing engine.
func (r *run) runLevelTask(ctx context.Context, id string, level int) {
	cc, ok := r.cfg.Checks[id]
	if !ok {
		return
	}
	r.stats.Touch(id)

	// A fan-out or inline routed run may already have published this
	// check's result within the wave.
	if _, done := r.published(id); done {
		return
	}

	r.waitForLevelDeps(ctx, id, level)
	if _, done := r.published(id); done {
		return
	}

	if cc.HasTag(TagOneShot) {
		r.mu.Lock()
		done := r.oneShotDone[id]
		r.oneShotDone[id] = true
		r.mu.Unlock()
		if done {
			r.emit(id, "", "check_skipped", map[string]any{"reason": "one_shot"})
			return
		}
	}

	r.mu.Lock()
	bypass := r.bypassGating[id]
	r.mu.Unlock()
	if !bypass && !r.dependenciesSatisfied(ctx, id, Root, r.event) {
		r.stats.RecordSkip(id, SkipDependencyFailed, "")
		res := skippedResult(id, SkipDependencyFailed)
		r.finishStep(ctx, id, Root, r.event, res)
		r.emit(id, "", "check_skipped", map[string]any{"reason": SkipDependencyFailed})
		return
	}

	// Root-level if gate; fan-out steps evaluate it per item instead.
	if cc.If != "" {
		if parent, _ := r.fanoutParentOf(ctx, id, Root, r.event); parent == nil {
			if !r.ifAllows(ctx, cc, Root, r.event, nil, nil) {
				r.stats.RecordSkip(id, SkipIfCondition, cc.If)
				res := skippedResult(id, SkipIfCondition)
				r.finishStep(ctx, id, Root, r.event, res)
				r.emit(id, "", "check_skipped", map[string]any{"reason": SkipIfCondition})
				return
			}
		}
	}

	if r.stopped() {
		r.stats.RecordSkip(id, SkipFailFast, "")
		return
	}

	r.eng.metrics.CheckStarted()
	res := r.runNamedCheck(ctx, id, Root, r.event, originNone)
	r.eng.metrics.CheckFinished()

	if r.failFast && (hasGatingFatal(res.Issues) || hasSoftFailure(res.Issues)) {
		r.stop()
	}
}

// waitForLevelDeps is the intra-level barrier: when a dependency shares
// the task's level (an inline publisher), poll briefly for its result
// instead of failing gating on a race.
func (r *run) waitForLevelDeps(ctx context.Context, id string, level int) {
	var sameLevel []string
	for _, group := range r.plan.DepsOf(id) {
		for _, dep := range group {
			if r.levelOf(dep) == level {
				sameLevel = append(sameLevel, dep)
			}
		}
	}
	if len(sameLevel) == 0 {
		return
	}
	deadline := time.Now().Add(barrierDeadline)
	for time.Now().Before(deadline) {
		pending := false
		for _, dep := range sameLevel {
			if _, ok := r.published(dep); !ok {
				pending = true
				break
			}
		}
		if !pending {
			return
		}
		if !sleepCtx(ctx, barrierPoll) {
			return
		}
	}
	r.emit(id, "", "warning", map[string]any{"reason": "barrier_timeout"})
}

func (r *run) levelOf(id string) int {
	for _, level := range r.plan.Order {
		for _, lid := range level.Parallel {
			if lid == id {
				return level.Level
			}
		}
	}
	return 0
}

// dependenciesSatisfied applies the gating rule: every depends_on group
// must have at least one satisfied branch. A branch is satisfied when it
// has a visible, non-skipped result without gating-fatal issues (unless
// the dependency opts out via continue_on_failure). Groups whose branches
// are all event-pruned do not gate.
func (r *run) dependenciesSatisfied(ctx context.Context, id string, scope ScopePath, event Event) bool {
	cc, ok := r.cfg.Checks[id]
	if !ok {
		return false
	}
	deps := r.depView(ctx, scope, event, nil)
	for _, token := range cc.DependsOn {
		eligible := 0
		satisfied := false
		for _, branch := range splitBranches(token) {
			bc, exists := r.cfg.Checks[branch]
			if !exists || !eventMatches(bc.On, event) {
				continue
			}
			eligible++
			res, ok := deps.Get(branch)
			if !ok || res == nil || res.Skipped {
				continue
			}
			if res.IsForEach {
				// A fan-out aggregate gates only when every item is fatal;
				// partial failures are handled per index by the fan-out.
				if allFatal(res.ForEachFatalMask) && !bc.ContinueOnFailure {
					continue
				}
			} else if hasGatingFatal(res.Issues) && !bc.ContinueOnFailure {
				continue
			}
			satisfied = true
			break
		}
		if eligible > 0 && !satisfied {
			return false
		}
	}
	return true
}

// takeNextTargets drains the forward targets scheduled for the next wave,
// deduplicated by (id, scope).
func (r *run) takeNextTargets() []forwardTarget {
	r.mu.Lock()
	targets := r.nextTargets
	r.nextTargets = nil
	r.mu.Unlock()

	seen := make(map[string]bool, len(targets))
	out := targets[:0]
	for _, t := range targets {
		key := t.id + "@" + t.scope.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// runWaveTargets executes a routing wave: the forward targets first (with
// gating bypassed), then their transitive dependents under normal gating,
// dependencies first.
func (r *run) runWaveTargets(ctx context.Context, targets []forwardTarget) {
	type depRun struct {
		id    string
		event Event
	}
	var dependents []depRun
	seenDep := make(map[string]bool)
	isTarget := make(map[string]bool, len(targets))
	for _, t := range targets {
		isTarget[t.id] = true
	}

	for _, t := range targets {
		if r.stopped() {
			return
		}
		r.eng.metrics.CheckStarted()
		res := r.runNamedCheck(ctx, t.id, t.scope, t.event, originForward)
		r.eng.metrics.CheckFinished()
		if r.failFast && (hasGatingFatal(res.Issues) || hasSoftFailure(res.Issues)) {
			r.stop()
		}
		for _, dep := range r.forwardSet(t.id, t.event) {
			if dep == t.id || isTarget[dep] || seenDep[dep] {
				continue
			}
			seenDep[dep] = true
			dependents = append(dependents, depRun{id: dep, event: t.event})
		}
	}

	for _, d := range dependents {
		if r.stopped() {
			return
		}
		cc := r.cfg.Checks[d.id]
		if cc == nil {
			continue
		}
		if _, done := r.published(d.id); done {
			continue
		}
		if !r.dependenciesSatisfied(ctx, d.id, Root, d.event) {
			r.stats.RecordSkip(d.id, SkipDependencyFailed, "")
			continue
		}
		if cc.If != "" {
			if parent, _ := r.fanoutParentOf(ctx, d.id, Root, d.event); parent == nil {
				if !r.ifAllows(ctx, cc, Root, d.event, nil, nil) {
					r.stats.RecordSkip(d.id, SkipIfCondition, cc.If)
					continue
				}
			}
		}
		r.eng.metrics.CheckStarted()
		r.runNamedCheck(ctx, d.id, Root, d.event, originNone)
		r.eng.metrics.CheckFinished()
	}
}

func (r *run) stop() {
	r.mu.Lock()
	r.failFastHit = true
	r.mu.Unlock()
	r.emit("", "", "fail_fast", nil)
}

func (r *run) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failFastHit
}
