package engine

import (
	"errors"
	"reflect"
	"testing"
)

func mustPlan(t *testing.T, cfg *Config, selected []string, event Event) *Plan {
	t.Helper()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	plan, err := BuildPlan(cfg, selected, event)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	return plan
}

func TestSplitBranches(t *testing.T) {
	tests := []struct {
		token string
		want  []string
	}{
		{"a", []string{"a"}},
		{"a|b|c", []string{"a", "b", "c"}},
		{" a | b ", []string{"a", "b"}},
		{"a||b", []string{"a", "b"}},
		{"", nil},
		{"|", nil},
	}
	for _, tt := range tests {
		got := splitBranches(tt.token)
		if len(got) == 0 && len(tt.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitBranches(%q) = %v, want %v", tt.token, got, tt.want)
		}
	}
}

func TestBuildPlanLevels(t *testing.T) {
	cfg := &Config{Checks: map[string]*CheckConfig{
		"fetch":   {},
		"lint":    {},
		"analyze": {DependsOn: []string{"fetch"}},
		"report":  {DependsOn: []string{"analyze", "lint"}},
	}}
	plan := mustPlan(t, cfg, []string{"report"}, EventManual)

	want := []Level{
		{Level: 1, Parallel: []string{"fetch", "lint"}},
		{Level: 2, Parallel: []string{"analyze"}},
		{Level: 3, Parallel: []string{"report"}},
	}
	if !reflect.DeepEqual(plan.Order, want) {
		t.Errorf("Order = %v, want %v", plan.Order, want)
	}
	if plan.Stats.TotalChecks != 4 || plan.Stats.ParallelLevels != 3 || plan.Stats.MaxParallelism != 2 {
		t.Errorf("Stats = %+v", plan.Stats)
	}
	if plan.Stats.ChecksWithDependencies != 2 {
		t.Errorf("ChecksWithDependencies = %d, want 2", plan.Stats.ChecksWithDependencies)
	}
}

func TestBuildPlanTransitiveClosure(t *testing.T) {
	cfg := &Config{Checks: map[string]*CheckConfig{
		"a": {},
		"b": {DependsOn: []string{"a"}},
		"c": {DependsOn: []string{"b"}},
		"d": {},
	}}
	plan := mustPlan(t, cfg, []string{"c"}, EventManual)

	for _, id := range []string{"a", "b", "c"} {
		if !plan.Selected[id] {
			t.Errorf("%s not in closure", id)
		}
	}
	if plan.Selected["d"] {
		t.Error("d pulled in without an edge")
	}
}

func TestBuildPlanORGroups(t *testing.T) {
	cfg := &Config{Checks: map[string]*CheckConfig{
		"a": {},
		"b": {},
		"c": {DependsOn: []string{"a|b"}},
	}}
	plan := mustPlan(t, cfg, []string{"c"}, EventManual)

	deps := plan.DepsOf("c")
	if len(deps) != 1 || !reflect.DeepEqual(deps[0], []string{"a", "b"}) {
		t.Errorf("DepsOf(c) = %v, want [[a b]]", deps)
	}
	if got := plan.DirectDependents("a"); !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("DirectDependents(a) = %v, want [c]", got)
	}
}

// Unknown branches are dropped per group; a token with no known branch
// fails validation.
func TestBuildPlanUnknownBranches(t *testing.T) {
	cfg := &Config{Checks: map[string]*CheckConfig{
		"a": {},
		"b": {DependsOn: []string{"a|ghost"}},
		"c": {DependsOn: []string{"ghost|phantom"}},
	}}
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}

	plan, err := BuildPlan(cfg, []string{"b"}, EventManual)
	if err != nil {
		t.Fatalf("BuildPlan(b): %v", err)
	}
	if !reflect.DeepEqual(plan.DepsOf("b"), [][]string{{"a"}}) {
		t.Errorf("DepsOf(b) = %v, want [[a]]", plan.DepsOf("b"))
	}

	_, err = BuildPlan(cfg, []string{"c"}, EventManual)
	var pe *PlanError
	if !errors.As(err, &pe) || pe.Rule != RuleDependencyError {
		t.Fatalf("BuildPlan(c) err = %v, want dependency PlanError", err)
	}
}

// Edges to checks whose trigger set excludes the event are pruned: the
// dependent stays in the plan without the edge.
func TestBuildPlanEventPruning(t *testing.T) {
	cfg := &Config{Checks: map[string]*CheckConfig{
		"diff":    {On: []string{"pr_opened", "pr_updated"}},
		"comment": {DependsOn: []string{"diff"}},
	}}

	plan := mustPlan(t, cfg, []string{"comment"}, EventIssueComment)
	if len(plan.DepsOf("comment")) != 0 {
		t.Errorf("edge to event-pruned diff should be dropped, got %v", plan.DepsOf("comment"))
	}
	if plan.Selected["diff"] {
		t.Error("pruned dependency must not be pulled into the closure")
	}

	plan = mustPlan(t, cfg, []string{"comment"}, EventPROpened)
	if !reflect.DeepEqual(plan.DepsOf("comment"), [][]string{{"diff"}}) {
		t.Errorf("edge should be retained under pr_opened, got %v", plan.DepsOf("comment"))
	}
}

func TestBuildPlanCyclePath(t *testing.T) {
	cfg := &Config{Checks: map[string]*CheckConfig{
		"A": {DependsOn: []string{"B"}},
		"B": {DependsOn: []string{"C"}},
		"C": {DependsOn: []string{"A"}},
	}}
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}

	_, err := BuildPlan(cfg, []string{"A"}, EventManual)
	var pe *PlanError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PlanError", err)
	}
	if pe.Rule != RuleCircularDependency {
		t.Errorf("Rule = %s, want %s", pe.Rule, RuleCircularDependency)
	}
	if len(pe.Cycle) != 4 || pe.Cycle[0] != pe.Cycle[3] {
		t.Errorf("Cycle = %v, want a closed 3-node path", pe.Cycle)
	}
}

func TestBuildPlanSelfCycle(t *testing.T) {
	cfg := &Config{Checks: map[string]*CheckConfig{
		"loop": {DependsOn: []string{"loop"}},
	}}
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	_, err := BuildPlan(cfg, []string{"loop"}, EventManual)
	var pe *PlanError
	if !errors.As(err, &pe) || pe.Rule != RuleCircularDependency {
		t.Fatalf("err = %v, want circular PlanError", err)
	}
}

func TestEventMatches(t *testing.T) {
	tests := []struct {
		name  string
		on    []string
		event Event
		want  bool
	}{
		{"empty set matches anything", nil, EventPROpened, true},
		{"listed event", []string{"pr_opened"}, EventPROpened, true},
		{"unlisted event", []string{"pr_opened"}, EventManual, false},
		{"multiple triggers", []string{"pr_opened", "manual"}, EventManual, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := eventMatches(tt.on, tt.event); got != tt.want {
				t.Errorf("eventMatches(%v, %s) = %v, want %v", tt.on, tt.event, got, tt.want)
			}
		})
	}
}

func TestEventClasses(t *testing.T) {
	if !EventPRUpdated.IsPRClass() || EventPRUpdated.IsIssueClass() {
		t.Error("pr_updated should be PR-class only")
	}
	if !EventIssueComment.IsIssueClass() || EventIssueComment.IsPRClass() {
		t.Error("issue_comment should be issue-class only")
	}
	if EventManual.IsPRClass() || EventManual.IsIssueClass() {
		t.Error("manual is neither class")
	}
}
