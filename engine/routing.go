package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/dvnorth/checkflow-go/engine/sandbox"
)

// stepRun describes one inline execution request flowing through the
// routing engine. event is the effective event for this run, which a
// goto_event override may have shifted away from the run's trigger.
type stepRun struct {
	id      string
	scope   ScopePath
	event   Event
	origin  string
	forEach *ForEachInfo
	overlay map[string]*StepResult
}

// chargeLoop consumes one unit of the run-wide routing budget. Returns
// false once the budget is exhausted; the first exhaustion emits a
// routing/loop_budget_exceeded issue onto res.
func (r *run) chargeLoop(res *StepResult, id string) bool {
	r.mu.Lock()
	if r.loopBlown {
		r.mu.Unlock()
		return false
	}
	r.loopCount++
	if r.loopCount <= r.cfg.MaxLoops() {
		r.mu.Unlock()
		return true
	}
	r.loopBlown = true
	if res != nil {
		res.Issues = append(res.Issues, newIssue(id, RuleLoopBudgetExceeded,
			fmt.Sprintf("routing budget of %d loops exhausted", r.cfg.MaxLoops()), SeverityError))
	}
	r.mu.Unlock()
	r.emit(id, "", "warning", map[string]any{"reason": "loop_budget_exceeded"})
	r.eng.metrics.RoutingLoopExceeded()
	return false
}

// executeWithRouting runs one step attempt (with retries) and processes
// its routing hooks. The returned result is normalized and carries any
// fail_if or routing issues appended during classification.
func (r *run) executeWithRouting(ctx context.Context, sr stepRun) *StepResult {
	cc, ok := r.cfg.Checks[sr.id]
	if !ok {
		return &StepResult{Issues: []Issue{
			newIssue(sr.id, RuleDependencyError, fmt.Sprintf("check %q is not defined", sr.id), SeverityError),
		}}
	}

	// max_runs gate at (check, scope).
	if cap := r.cfg.maxRunsFor(cc); cap > 0 {
		r.mu.Lock()
		count := r.runCounters[r.counterKey(sr.id, sr.scope)]
		r.mu.Unlock()
		if count >= cap {
			r.emit(sr.id, sr.scope.Key(), "check_skipped", map[string]any{"reason": "max_runs"})
			res := &StepResult{Skipped: true, Issues: []Issue{
				newIssue(sr.id, RuleMaxRunsExceeded,
					fmt.Sprintf("run cap of %d reached at scope %q", cap, sr.scope.Key()), SeverityWarning),
			}}
			// Surface the cap on the check's published result without
			// displacing the committed output.
			r.mu.Lock()
			if prev, ok := r.results[sr.id]; ok && prev != nil {
				prev.Issues = append(prev.Issues, res.Issues...)
			}
			r.mu.Unlock()
			return res
		}
	}
	r.mu.Lock()
	r.runCounters[r.counterKey(sr.id, sr.scope)]++
	r.mu.Unlock()

	var retry *Retry
	if cc.OnFail != nil {
		retry = cc.OnFail.Retry
	}

	var res *StepResult
	var softFailed bool
	var errMsg string
	attempt := 1
	for {
		res, softFailed, errMsg = r.attempt(ctx, cc, sr, attempt, errMsg)
		if !softFailed || retry == nil || attempt > retry.Max {
			break
		}
		if !r.chargeLoop(res, sr.id) {
			break
		}
		delay := retryDelay(retry, attempt, sr.id, r.prKey())
		r.emit(sr.id, sr.scope.Key(), "retry", map[string]any{"attempt": attempt + 1, "delay_ms": delay.Milliseconds()})
		r.eng.metrics.Retried(sr.id)
		if !sleepCtx(ctx, delay) {
			break
		}
		attempt++
	}

	// Commit before hook processing so routed targets (and fan-out over
	// a forEach aggregate) see this result in the journal.
	if sr.forEach == nil {
		if cc.ForEach {
			r.applyForEach(cc, res)
		}
		r.finishStep(ctx, sr.id, sr.scope, sr.event, res)
	} else {
		r.commit(ctx, sr.id, sr.scope, sr.event, res)
	}

	if softFailed {
		r.runFailHooks(ctx, cc, sr, res, errMsg)
	} else {
		r.runSuccessHooks(ctx, cc, sr, res)
	}
	return res
}

// attempt performs a single provider call and classifies the outcome.
func (r *run) attempt(ctx context.Context, cc *CheckConfig, sr stepRun, attemptNo int, prevErr string) (*StepResult, bool, string) {
	start := r.stats.RecordIterationStart(sr.id)
	deps := r.depView(ctx, sr.scope, sr.event, sr.overlay)
	env := r.stepEnv(cc, sr.event, deps, attemptNo, prevErr, sr.forEach, nil)

	res, errMsg := r.invokeProvider(ctx, cc, sr, deps, env)
	if errMsg == "" {
		r.applyFailIf(cc, res, env)
	}

	softFailed := errMsg != "" || hasSoftFailure(res.Issues)
	r.stats.RecordIterationComplete(sr.id, start, !softFailed, res.Issues, res.Output != nil)
	if errMsg != "" {
		r.stats.RecordError(sr.id, errMsg)
	}
	r.eng.metrics.ObserveCheck(sr.id, time.Since(start), !softFailed)
	return res, softFailed, errMsg
}

// invokeProvider calls the step's provider and normalizes the result.
// A provider error becomes a "<id>/error" issue rather than aborting.
func (r *run) invokeProvider(ctx context.Context, cc *CheckConfig, sr stepRun, deps *DepView, env map[string]any) (*StepResult, string) {
	provider, err := r.eng.registry.Get(cc.Type)
	if err != nil {
		res := &StepResult{Issues: []Issue{
			newIssue(sr.id, sr.id+"/error", err.Error(), SeverityError),
		}}
		return res, err.Error()
	}

	req := &StepRequest{
		CheckID:  sr.id,
		Type:     cc.Type,
		Event:    sr.event,
		ScopeKey: sr.scope.Key(),
		Params:   cc.Params,
		Env:      env,
		ForEach:  sr.forEach,
	}
	ec := *r.execCtx
	ec.History = r.history.Snapshot()
	if cc.ReuseAISession != "" {
		ec.ParentSessionID = r.sessionOf(cc.ReuseAISession)
	}

	provStart := time.Now()
	res, err := provider.Execute(ctx, req, deps, &ec)
	r.stats.RecordProviderDuration(sr.id, time.Since(provStart))

	if err != nil {
		out := normalizeResult(res, nil)
		out.Issues = append(out.Issues, newIssue(sr.id, sr.id+"/error", err.Error(), SeverityError))
		return out, err.Error()
	}
	return normalizeResult(res, nil), ""
}

// sessionOf resolves the provider session recorded by an earlier step for
// reuse_ai_session continuity.
func (r *run) sessionOf(check string) string {
	res, ok := r.published(check)
	if !ok || res == nil || res.Debug == nil {
		return ""
	}
	if s, ok := res.Debug["session_id"].(string); ok {
		return s
	}
	return ""
}

// applyFailIf evaluates the step-local and global fail_if expressions over
// the finished result. Evaluation errors are a no-op.
func (r *run) applyFailIf(cc *CheckConfig, res *StepResult, env map[string]any) {
	env["output"] = res.Output
	if cc.FailIf != "" {
		if hit, err := r.eval.EvalBool(cc.FailIf, env); err == nil && hit {
			res.Issues = append(res.Issues, newIssue(cc.ID, cc.ID+"_fail_if",
				"fail_if condition met: "+cc.FailIf, SeverityError))
		}
	}
	if r.cfg.FailIf != "" {
		if hit, err := r.eval.EvalBool(r.cfg.FailIf, env); err == nil && hit {
			res.Issues = append(res.Issues, newIssue(cc.ID, "global_fail_if",
				"global fail_if condition met: "+r.cfg.FailIf, SeverityError))
		}
	}
}

// bounceSuppressed reports whether the one-bounce guard applies: steps
// executed inline from on_fail or fan-out must not fire their own gotos.
func bounceSuppressed(origin string) bool {
	return origin == originFail || origin == originForEach
}

func (r *run) runSuccessHooks(ctx context.Context, cc *CheckConfig, sr stepRun, res *StepResult) {
	hook := cc.OnSuccess
	if hook == nil {
		return
	}
	env := r.hookEnv(ctx, cc, sr, res)
	for _, target := range r.resolveRunTargets(cc.ID, hook.Run, hook.RunJS, env) {
		r.runRoutedTarget(ctx, target, sr, originSuccess, res)
	}
	if !bounceSuppressed(sr.origin) {
		if target := r.resolveGoto(cc.ID, hook.Goto, hook.GotoJS, env); target != "" {
			r.scheduleForwardRun(ctx, target, originSuccess, Event(hook.GotoEvent), sr, res)
		}
	}
}

func (r *run) runFailHooks(ctx context.Context, cc *CheckConfig, sr stepRun, res *StepResult, errMsg string) {
	hook := cc.OnFail
	if hook == nil {
		return
	}
	env := r.hookEnv(ctx, cc, sr, res)
	if errMsg != "" {
		env["error"] = errMsg
	}
	for _, target := range r.resolveRunTargets(cc.ID, hook.Run, hook.RunJS, env) {
		r.runRoutedTarget(ctx, target, sr, originFail, res)
	}
	if !bounceSuppressed(sr.origin) {
		if target := r.resolveGoto(cc.ID, hook.Goto, hook.GotoJS, env); target != "" {
			r.scheduleForwardRun(ctx, target, originFail, Event(hook.GotoEvent), sr, res)
		}
	}
}

// hookEnv rebuilds the expression environment after the provider ran, with
// the step's own output visible.
func (r *run) hookEnv(ctx context.Context, cc *CheckConfig, sr stepRun, res *StepResult) map[string]any {
	deps := r.depView(ctx, sr.scope, sr.event, sr.overlay)
	return r.stepEnv(cc, sr.event, deps, 1, "", sr.forEach, res.Output)
}

// resolveRunTargets merges a hook's static run list with its run_js
// result, deduplicated in order.
func (r *run) resolveRunTargets(id string, static []string, runJS string, env map[string]any) []string {
	targets := append([]string(nil), static...)
	if runJS != "" {
		out, err := r.eval.Eval(runJS, env)
		if err != nil {
			r.emit(id, "", "warning", map[string]any{"reason": "run_js_error", "error": err.Error()})
		} else {
			targets = append(targets, sandbox.Strings(out)...)
		}
	}
	seen := make(map[string]bool, len(targets))
	deduped := make([]string, 0, len(targets))
	for _, t := range targets {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		deduped = append(deduped, t)
	}
	return deduped
}

// resolveGoto picks the goto target: goto_js wins when it yields a
// non-empty string, otherwise the static goto. Evaluation errors mean no
// routing.
func (r *run) resolveGoto(id, static, gotoJS string, env map[string]any) string {
	if gotoJS != "" {
		out, err := r.eval.Eval(gotoJS, env)
		if err != nil {
			r.emit(id, "", "warning", map[string]any{"reason": "goto_js_error", "error": err.Error()})
			return ""
		}
		if s, ok := out.(string); ok && s != "" {
			return s
		}
		return ""
	}
	return static
}

// runRoutedTarget executes one run/run_js target inline under the current
// scope, honoring the one-shot set and the loop budget.
func (r *run) runRoutedTarget(ctx context.Context, target string, sr stepRun, origin string, res *StepResult) {
	tc, ok := r.cfg.Checks[target]
	if !ok {
		r.emit(sr.id, sr.scope.Key(), "warning", map[string]any{"reason": "unknown_routed_target", "target": target})
		return
	}
	if tc.HasTag(TagOneShot) {
		r.mu.Lock()
		done := r.oneShotDone[target]
		r.oneShotDone[target] = true
		r.mu.Unlock()
		if done {
			return
		}
	}
	if !r.chargeLoop(res, sr.id) {
		return
	}
	r.emit(sr.id, sr.scope.Key(), "forward_run", map[string]any{"target": target, "origin": origin})
	r.runNamedCheck(ctx, target, sr.scope, sr.event, origin)
}

// runNamedCheck executes a named check inline, bypassing dependency
// gating, and commits + publishes its result. A forEach parent in the
// target's dependency set triggers fan-out instead of a single run.
func (r *run) runNamedCheck(ctx context.Context, id string, scope ScopePath, event Event, origin string) *StepResult {
	if parent, parentRes := r.fanoutParentOf(ctx, id, scope, event); parent != nil {
		return r.runForEachDependent(ctx, id, scope, event, parent, parentRes, origin)
	}
	return r.executeWithRouting(ctx, stepRun{id: id, scope: scope, event: event, origin: origin})
}

// finishStep commits a completed result, publishes it for the current
// wave, and records its output in the history. Fan-out aggregates track
// their history separately.
func (r *run) finishStep(ctx context.Context, id string, scope ScopePath, event Event, res *StepResult) {
	r.commit(ctx, id, scope, event, res)
	if scope.IsRoot() {
		r.publish(id, res)
	}
	if !res.IsForEach && res.Output != nil {
		r.history.Append(id, res.Output)
	}
	r.emit(id, scope.Key(), "check_complete", map[string]any{"issues": len(res.Issues)})
	r.eng.metrics.ObserveIssues(id, res.Issues)
}

// scheduleForwardRun expands a goto into the forward set and either runs
// it inline (origin on_success) or schedules it for the next wave (origin
// on_fail / on_finish, collapsed to the target alone).
func (r *run) scheduleForwardRun(ctx context.Context, target, origin string, eventOverride Event, sr stepRun, res *StepResult) {
	if _, ok := r.cfg.Checks[target]; !ok {
		r.emit("", sr.scope.Key(), "warning", map[string]any{"reason": "unknown_goto_target", "target": target})
		return
	}

	effEvent := sr.event
	if eventOverride != "" {
		effEvent = eventOverride
		// Routing from an issue thread to a PR-class event needs the
		// richer diff context; the analyzer elevates it when available.
		if effEvent.IsPRClass() && sr.event.IsIssueClass() {
			r.elevateContext(ctx, effEvent)
		}
	}

	guardKey := target + "@" + sr.scope.Key()
	r.mu.Lock()
	if r.forwardRunGuard[guardKey] {
		r.mu.Unlock()
		return
	}
	r.forwardRunGuard[guardKey] = true
	r.mu.Unlock()

	// Budget issues land on the step whose hook spent the budget, not on
	// the target it routed to.
	if !r.chargeLoop(res, sr.id) {
		return
	}
	r.emit("", sr.scope.Key(), "forward_run", map[string]any{"target": target, "origin": origin, "event": string(effEvent)})

	if origin != originSuccess {
		// on_fail and on_finish collapse the forward set to the target;
		// dependents pick up the new result in the next wave.
		r.mu.Lock()
		r.nextTargets = append(r.nextTargets, forwardTarget{id: target, scope: sr.scope, event: effEvent})
		r.nextBypass[target] = true
		r.mu.Unlock()
		return
	}

	// Inline: target plus its transitive dependents eligible under the
	// effective event, in dependency order.
	for _, id := range r.forwardSet(target, effEvent) {
		if id != target && !r.dependenciesSatisfied(ctx, id, sr.scope, effEvent) {
			continue
		}
		bounce := originForward
		if id == target {
			bounce = origin
		}
		r.runNamedCheck(ctx, id, sr.scope, effEvent, bounce)
		if id != target && !r.chargeLoop(res, sr.id) {
			return
		}
	}
}

// forwardSet returns target plus its transitive config-level dependents
// eligible for the event, in dependency order (dependencies first).
func (r *run) forwardSet(target string, event Event) []string {
	included := map[string]bool{target: true}
	queue := []string{target}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for depID, cc := range r.cfg.Checks {
			if included[depID] || !eventMatches(cc.On, event) {
				continue
			}
			if dependsOn(cc, id) {
				included[depID] = true
				queue = append(queue, depID)
			}
		}
	}
	return topoOrder(r.cfg, included)
}

// dependsOn reports whether any depends_on branch of cc names id.
func dependsOn(cc *CheckConfig, id string) bool {
	for _, token := range cc.DependsOn {
		for _, branch := range splitBranches(token) {
			if branch == id {
				return true
			}
		}
	}
	return false
}

// topoOrder sorts the included set dependencies-first, ties broken by id.
func topoOrder(cfg *Config, included map[string]bool) []string {
	ids := make([]string, 0, len(included))
	for id := range included {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	depth := make(map[string]int, len(ids))
	var depthOf func(id string, seen map[string]bool) int
	depthOf = func(id string, seen map[string]bool) int {
		if d, ok := depth[id]; ok {
			return d
		}
		if seen[id] {
			return 0
		}
		seen[id] = true
		max := 0
		for _, token := range cfg.Checks[id].DependsOn {
			for _, branch := range splitBranches(token) {
				if included[branch] {
					if d := depthOf(branch, seen) + 1; d > max {
						max = d
					}
				}
			}
		}
		depth[id] = max
		return max
	}
	for _, id := range ids {
		depthOf(id, map[string]bool{})
	}
	sort.SliceStable(ids, func(i, j int) bool { return depth[ids[i]] < depth[ids[j]] })
	return ids
}

// elevateContext asks the analyzer collaborator to upgrade issue-thread
// context to PR context for the routed event. Failures keep the current
// context.
func (r *run) elevateContext(ctx context.Context, event Event) {
	pr, _ := r.prContext()
	if r.eng.analyzer == nil || pr == nil {
		return
	}
	elevated, err := r.eng.analyzer.ElevateContext(ctx, pr, event)
	if err != nil || elevated == nil {
		r.emit("", "", "warning", map[string]any{"reason": "context_elevation_failed"})
		return
	}
	r.mu.Lock()
	r.pr = elevated
	r.prMap = prToMap(elevated)
	r.mu.Unlock()
}

// retryDelay computes backoff with deterministic jitter so reruns of the
// same step against the same change space identically.
func retryDelay(retry *Retry, attempt int, stepID, prKey string) time.Duration {
	base := retry.BaseMs
	if base <= 0 {
		base = 100
	}
	delayMs := int64(base)
	if retry.Mode != "fixed" {
		delayMs = int64(base) << (attempt - 1)
	}
	sum := sha256.Sum256([]byte(stepID + "-" + prKey))
	jitter := int64(binary.BigEndian.Uint64(sum[:8]) % uint64(base))
	return time.Duration(delayMs+jitter) * time.Millisecond
}

// sleepCtx sleeps unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
