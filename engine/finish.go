package engine

import (
	"context"
	"sort"
)

// processFinishHooks runs on_finish processing for every forEach parent
// that committed an aggregate this wave. It returns true when any hook
// scheduled a forward target, which triggers another wave.
func (r *run) processFinishHooks(ctx context.Context) bool {
	parents := r.finishParents()
	scheduled := false
	for _, id := range parents {
		if r.processFinishHook(ctx, id) {
			scheduled = true
		}
	}
	return scheduled
}

// finishParents lists forEach parents with an on_finish hook and a
// published aggregate, sorted for deterministic processing.
func (r *run) finishParents() []string {
	var parents []string
	for id, cc := range r.cfg.Checks {
		if !cc.ForEach || cc.OnFinish == nil {
			continue
		}
		if res, ok := r.published(id); ok && res.IsForEach {
			parents = append(parents, id)
		}
	}
	sort.Strings(parents)
	return parents
}

func (r *run) processFinishHook(ctx context.Context, parentID string) bool {
	cc := r.cfg.Checks[parentID]
	hook := cc.OnFinish
	parentRes, _ := r.published(parentID)

	// Dependents must have results before the hook reasons about the
	// wave; run any stragglers inline.
	for _, dep := range r.configDependents(parentID) {
		if _, ok := r.published(dep); ok {
			continue
		}
		r.runNamedCheck(ctx, dep, Root, r.event, originForEach)
	}

	env := r.finishEnv(ctx, cc, parentRes)

	for _, target := range r.resolveRunTargets(parentID, hook.Run, hook.RunJS, env) {
		sr := stepRun{id: parentID, scope: Root, event: r.event}
		r.runRoutedTarget(ctx, target, sr, originFinish, parentRes)
	}

	target := r.resolveGoto(parentID, hook.Goto, hook.GotoJS, env)
	if target == "" {
		return false
	}

	// A goto back to the parent re-validates the wave; when the last wave
	// already validated every item, the loop has converged and the goto
	// is suppressed.
	if target == parentID && r.lastWaveAllValid(parentID) {
		r.emit(parentID, "", "finish_converged", nil)
		return false
	}

	// Per-parent route budget, one less than the run budget so a
	// convergence bug cannot consume every loop by itself.
	r.mu.Lock()
	r.finishLoops[parentID]++
	blown := r.finishLoops[parentID] > r.cfg.MaxLoops()-1
	r.mu.Unlock()
	if blown {
		parentRes.Issues = append(parentRes.Issues, newIssue(parentID, RuleLoopBudgetExceeded,
			"on_finish routing budget exhausted", SeverityError))
		r.emit(parentID, "", "warning", map[string]any{"reason": "finish_budget_exceeded"})
		r.eng.metrics.RoutingLoopExceeded()
		return false
	}

	sr := stepRun{id: parentID, scope: Root, event: r.event, origin: originFinish}
	if target == parentID && cc.Fanout == FanoutMap {
		// Map fanout re-runs the parent once per item, each under its
		// item scope.
		for i := range parentRes.ForEachItems {
			itemSR := sr
			itemSR.scope = Root.Child(parentID, i)
			r.scheduleForwardRun(ctx, target, originFinish, Event(hook.GotoEvent), itemSR, parentRes)
		}
		return true
	}
	r.scheduleForwardRun(ctx, target, originFinish, Event(hook.GotoEvent), sr, parentRes)
	return true
}

// finishEnv builds the post-wave hook environment, adding the forEach
// wave summary to the standard namespace.
func (r *run) finishEnv(ctx context.Context, cc *CheckConfig, parentRes *StepResult) map[string]any {
	deps := r.depView(ctx, Root, r.event, nil)
	env := r.stepEnv(cc, r.event, deps, 1, "", nil, parentRes.Output)

	total := len(parentRes.ForEachItems)
	failed := 0
	for _, dep := range r.configDependents(cc.ID) {
		res, ok := r.published(dep)
		if !ok || !res.IsForEach {
			continue
		}
		for i, fatal := range res.ForEachFatalMask {
			if i < total && fatal {
				failed++
			}
		}
		break
	}
	env["foreach"] = map[string]any{
		"total":          total,
		"last_wave_size": total,
		"items":          parentRes.ForEachItems,
		"successful":     total - failed,
		"failed":         failed,
	}
	return env
}

// configDependents lists checks that directly depend on id in the config,
// sorted.
func (r *run) configDependents(id string) []string {
	var out []string
	for depID, cc := range r.cfg.Checks {
		if dependsOn(cc, id) {
			out = append(out, depID)
		}
	}
	sort.Strings(out)
	return out
}

// lastWaveAllValid scans the parent's dependents' histories for the last
// wave's per-item validation records: the wave converged when every
// last_loop record reports a true is_valid (or valid) flag.
func (r *run) lastWaveAllValid(parentID string) bool {
	sawRecord := false
	for _, dep := range r.configDependents(parentID) {
		for _, entry := range r.history.Of(dep) {
			m, ok := entry.(map[string]any)
			if !ok || m["parent"] != parentID {
				continue
			}
			last, _ := m["last_loop"].(bool)
			if !last {
				continue
			}
			valid, found := m["is_valid"]
			if !found {
				valid, found = m["valid"]
			}
			if !found {
				continue
			}
			sawRecord = true
			if b, ok := valid.(bool); !ok || !b {
				return false
			}
		}
	}
	return sawRecord
}
