package engine

import (
	"context"
	"fmt"
	"strings"
)

// applyForEach post-processes a forEach parent's result: array outputs
// become a tagged aggregate with a fresh history wave; anything else is a
// forEach/undefined_output failure, which is gating-fatal for dependents.
func (r *run) applyForEach(cc *CheckConfig, res *StepResult) {
	if res.Skipped || res.IsForEach {
		return
	}
	items, ok := toItems(res.Output)
	if !ok {
		res.Issues = append(res.Issues, newIssue(cc.ID, RuleForEachUndefined,
			fmt.Sprintf("forEach output of %s is not an array", cc.ID), SeverityError))
		return
	}
	res.IsForEach = true
	res.ForEachItems = items
	r.stats.RecordForEachPreview(cc.ID, items)
	loopIdx := r.history.BeginLoop(cc.ID)
	r.history.AppendWave(cc.ID, loopIdx, items)
	r.emit(cc.ID, "", "forEach_expand", map[string]any{"items": len(items), "loop": loopIdx})
}

// toItems coerces a forEach output into its item slice.
func toItems(output any) ([]any, bool) {
	switch t := output.(type) {
	case []any:
		return t, true
	case []string:
		items := make([]any, len(t))
		for i, s := range t {
			items[i] = s
		}
		return items, true
	case []map[string]any:
		items := make([]any, len(t))
		for i, m := range t {
			items[i] = m
		}
		return items, true
	default:
		return nil, false
	}
}

// fanoutParentOf decides whether a check must fan out over a forEach
// source. It returns the source config and its committed aggregate when
// any dependency's visible result is a forEach aggregate and the check is
// not a reduce step.
func (r *run) fanoutParentOf(ctx context.Context, id string, scope ScopePath, event Event) (*CheckConfig, *StepResult) {
	cc, ok := r.cfg.Checks[id]
	if !ok || cc.Fanout == FanoutReduce {
		return nil, nil
	}
	deps := r.depView(ctx, scope, event, nil)

	// Prefer the declared forEach source; otherwise the first aggregate
	// dependency carries the wave.
	var firstID string
	var firstRes *StepResult
	for _, token := range cc.DependsOn {
		for _, branch := range splitBranches(token) {
			res, ok := deps.Get(branch)
			if !ok || res == nil || !res.IsForEach {
				continue
			}
			if dc, ok := r.cfg.Checks[branch]; ok && dc.ForEach {
				return dc, res
			}
			if firstID == "" {
				firstID = branch
				firstRes = res
			}
		}
	}
	if firstID == "" {
		return nil, nil
	}
	return r.cfg.Checks[firstID], firstRes
}

// runForEachDependent executes one check once per runnable item of its
// forEach source, aggregating per-item results into a single committed
// aggregate.
func (r *run) runForEachDependent(ctx context.Context, id string, scope ScopePath, event Event, parent *CheckConfig, parentRes *StepResult, origin string) *StepResult {
	cc := r.cfg.Checks[id]
	items := parentRes.ForEachItems
	total := len(items)

	runnable, explicitFatal := r.runnableIndices(ctx, cc, scope, event, total)
	if len(runnable) == 0 {
		if explicitFatal {
			res := skippedResult(id, SkipDependencyFailed)
			r.stats.RecordSkip(id, SkipDependencyFailed, "")
			r.finishStep(ctx, id, scope, event, res)
			return res
		}
		// No runnable index but also no explicit fatality recorded: the
		// masks are unusable, so run everything rather than silently
		// dropping the whole wave.
		r.emit(id, scope.Key(), "warning", map[string]any{"reason": "fatal_mask_empty_fallback"})
		for i := 0; i < total; i++ {
			runnable = append(runnable, i)
		}
	}

	loopIdx := r.history.Loop(parent.ID)
	agg := &StepResult{
		Issues:             []Issue{},
		IsForEach:          true,
		ForEachItems:       items,
		ForEachItemResults: make([]*StepResult, total),
		ForEachFatalMask:   make([]bool, total),
	}
	// Indices the masks excluded stay fatal for descendants.
	ran := make(map[int]bool, len(runnable))
	for _, i := range runnable {
		ran[i] = true
	}
	for i := 0; i < total; i++ {
		if !ran[i] {
			agg.ForEachFatalMask[i] = true
		}
	}

	outputs := make([]any, total)
	raws := make([]any, total)
	var contents []string

	for _, i := range runnable {
		itemScope := scope.Child(parent.ID, i)
		overlay := r.itemOverlay(ctx, cc, scope, event, i)
		fe := &ForEachInfo{Index: i, Total: total, Parent: parent.ID}

		var itemRes *StepResult
		if cc.If != "" && !r.ifAllows(ctx, cc, itemScope, event, overlay, fe) {
			itemRes = skippedResult(id, SkipIfCondition)
			r.commit(ctx, id, itemScope, event, itemRes)
		} else {
			// executeWithRouting commits the item result itself, before
			// running the item's hooks.
			itemRes = r.executeWithRouting(ctx, stepRun{
				id: id, scope: itemScope, event: event,
				origin: originForEach, forEach: fe, overlay: overlay,
			})
		}

		agg.ForEachItemResults[i] = itemRes
		agg.Issues = append(agg.Issues, itemRes.Issues...)
		outputs[i] = itemRes.Output
		raws[i] = itemRes.RawOutput
		if itemRes.Content != "" {
			contents = append(contents, itemRes.Content)
		}

		fatal := hasGatingFatal(itemRes.Issues) || r.parentFailIf(parent, items[i])
		agg.ForEachFatalMask[i] = fatal

		if itemRes.Skipped || itemRes.Output == nil {
			r.history.AppendMissingItem(id, parent.ID, loopIdx, items[i], i)
		} else {
			r.history.AppendItem(id, parent.ID, loopIdx, items[i], i, itemRes.Output)
		}
	}

	agg.Output = outputs
	agg.RawOutput = raws
	agg.Content = strings.Join(contents, "\n")
	r.finishStep(ctx, id, scope, event, agg)
	return agg
}

// runnableIndices intersects the fatality masks of every forEach-aggregate
// dependency: an index is runnable when no mask marks it fatal.
// explicitFatal reports whether any mask carried a fatal marker at all.
func (r *run) runnableIndices(ctx context.Context, cc *CheckConfig, scope ScopePath, event Event, total int) ([]int, bool) {
	deps := r.depView(ctx, scope, event, nil)
	fatal := make([]bool, total)
	explicit := false
	for _, token := range cc.DependsOn {
		for _, branch := range splitBranches(token) {
			res, ok := deps.Get(branch)
			if !ok || res == nil || !res.IsForEach {
				continue
			}
			for i, f := range res.ForEachFatalMask {
				if i >= total {
					break
				}
				if f {
					fatal[i] = true
					explicit = true
				}
			}
		}
	}
	var runnable []int
	for i := 0; i < total; i++ {
		if !fatal[i] {
			runnable = append(runnable, i)
		}
	}
	return runnable, explicit
}

// itemOverlay substitutes per-item values for every forEach-aggregate
// dependency so the item task sees its slice of each dependency, not the
// aggregates.
func (r *run) itemOverlay(ctx context.Context, cc *CheckConfig, scope ScopePath, event Event, index int) map[string]*StepResult {
	deps := r.depView(ctx, scope, event, nil)
	overlay := make(map[string]*StepResult)
	for _, token := range cc.DependsOn {
		for _, branch := range splitBranches(token) {
			res, ok := deps.Get(branch)
			if !ok || res == nil || !res.IsForEach {
				continue
			}
			if res.ForEachItemResults != nil && index < len(res.ForEachItemResults) && res.ForEachItemResults[index] != nil {
				overlay[branch] = res.ForEachItemResults[index]
				continue
			}
			if index < len(res.ForEachItems) {
				item := res.ForEachItems[index]
				overlay[branch] = &StepResult{Output: item, RawOutput: item}
			}
		}
	}
	return overlay
}

// ifAllows evaluates a per-item if condition fail-secure: evaluation
// errors skip the item.
func (r *run) ifAllows(ctx context.Context, cc *CheckConfig, scope ScopePath, event Event, overlay map[string]*StepResult, fe *ForEachInfo) bool {
	deps := r.depView(ctx, scope, event, overlay)
	env := r.stepEnv(cc, event, deps, 1, "", fe, nil)
	ok, err := r.eval.EvalBool(cc.If, env)
	if err != nil {
		r.emit(cc.ID, scope.Key(), "warning", map[string]any{"reason": "if_eval_error", "error": err.Error()})
		return false
	}
	return ok
}

// parentFailIf applies the forEach source's own fail_if to one item's
// value. A triggered condition marks the index fatal for descendants.
func (r *run) parentFailIf(parent *CheckConfig, item any) bool {
	if parent.FailIf == "" {
		return false
	}
	_, prMap := r.prContext()
	env := map[string]any{"output": item, "memory": r.memoryHelpers(), "env": r.env, "pr": prMap, "files": r.files}
	hit, err := r.eval.EvalBool(parent.FailIf, env)
	return err == nil && hit
}
