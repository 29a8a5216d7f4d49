package engine

import (
	"fmt"
	"sort"
	"strings"
)

// splitBranches splits a depends_on token into its OR-group branches,
// trimming whitespace and dropping empties.
func splitBranches(token string) []string {
	parts := strings.Split(token, "|")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Level is one rung of the execution order: checks that may run in
// parallel once every earlier level has completed.
type Level struct {
	Level    int
	Parallel []string
}

// PlanStats summarizes the shape of a validated plan.
type PlanStats struct {
	TotalChecks            int
	ParallelLevels         int
	MaxParallelism         int
	AverageParallelism     float64
	ChecksWithDependencies int
}

// Plan is a validated DAG over the selected checks plus their transitive
// dependencies, with a level-ordered execution plan.
type Plan struct {
	// Order lists levels ascending; a check's level is 1 + the maximum
	// level of its dependencies (longest path from roots).
	Order []Level

	// Selected is the closure of the requested checks.
	Selected map[string]bool

	// deps maps each selected check to its retained dependency groups.
	// Each group is an OR-group: satisfied when any branch is satisfied.
	// Single dependencies are one-branch groups.
	deps map[string][][]string

	// dependents is the reverse adjacency (flattened over branches).
	dependents map[string][]string

	Stats PlanStats
}

// BuildPlan validates dependencies for the selected checks under the given
// event and returns the level-ordered plan.
//
// Token expansion: each depends_on token is a single id or a pipe-joined
// OR-group. Unknown ids are ignored per branch; a token none of whose
// branches resolves fails validation. Dependency edges to checks whose
// trigger set excludes the event are dropped (the node stays if otherwise
// selected). Cycles over the retained edges fail the plan with the cycle
// path.
func BuildPlan(cfg *Config, selected []string, event Event) (*Plan, error) {
	p := &Plan{
		Selected:   make(map[string]bool),
		deps:       make(map[string][][]string),
		dependents: make(map[string][]string),
	}

	// Transitive closure over event-eligible dependencies.
	queue := make([]string, 0, len(selected))
	for _, id := range selected {
		if _, ok := cfg.Checks[id]; !ok {
			return nil, &PlanError{
				Rule:    RuleDependencyError,
				Message: fmt.Sprintf("selected check %q is not defined", id),
			}
		}
		if !p.Selected[id] {
			p.Selected[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		groups, err := p.expandDeps(cfg, id, event)
		if err != nil {
			return nil, err
		}
		p.deps[id] = groups
		for _, group := range groups {
			for _, dep := range group {
				if !p.Selected[dep] {
					p.Selected[dep] = true
					queue = append(queue, dep)
				}
			}
		}
	}

	// Reverse adjacency.
	for id, groups := range p.deps {
		for _, group := range groups {
			for _, dep := range group {
				p.dependents[dep] = append(p.dependents[dep], id)
			}
		}
	}
	for dep := range p.dependents {
		sort.Strings(p.dependents[dep])
	}

	if cycle := p.findCycle(); cycle != nil {
		return nil, &PlanError{
			Rule:    RuleCircularDependency,
			Message: "dependency cycle: " + strings.Join(cycle, " -> "),
			Cycle:   cycle,
		}
	}

	p.computeLevels()
	p.computeStats()
	return p, nil
}

// expandDeps resolves one check's depends_on tokens into OR-groups under
// the event, dropping unknown branches and event-pruned edges.
func (p *Plan) expandDeps(cfg *Config, id string, event Event) ([][]string, error) {
	cc := cfg.Checks[id]
	var groups [][]string
	for _, token := range cc.DependsOn {
		var known, retained []string
		for _, branch := range splitBranches(token) {
			dep, ok := cfg.Checks[branch]
			if !ok {
				continue
			}
			known = append(known, branch)
			if !eventMatches(dep.On, event) {
				// Edge pruned for this event; the branch stays out of the
				// group but still counted as resolvable.
				continue
			}
			retained = append(retained, branch)
		}
		if len(known) == 0 {
			return nil, &PlanError{
				Rule:    RuleDependencyError,
				Message: fmt.Sprintf("check %q depends on %q, which resolves to no known check", id, token),
			}
		}
		if len(retained) > 0 {
			groups = append(groups, retained)
		}
	}
	return groups, nil
}

// findCycle runs a DFS with temporary/permanent marks over retained edges
// and returns the cycle path (closed, e.g. A B C A) if one exists.
func (p *Plan) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	marks := make(map[string]int, len(p.Selected))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		marks[id] = gray
		stack = append(stack, id)
		for _, group := range p.deps[id] {
			for _, dep := range group {
				switch marks[dep] {
				case gray:
					// Close the cycle from dep's position on the stack.
					start := 0
					for i, s := range stack {
						if s == dep {
							start = i
							break
						}
					}
					cycle = append(cycle, stack[start:]...)
					cycle = append(cycle, dep)
					return true
				case white:
					if visit(dep) {
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		marks[id] = black
		return false
	}

	ids := p.sortedSelected()
	for _, id := range ids {
		if marks[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// computeLevels assigns each check 1 + the max level over all retained
// dependency branches and groups checks into ascending levels.
func (p *Plan) computeLevels() {
	levels := make(map[string]int, len(p.Selected))
	var levelOf func(id string) int
	levelOf = func(id string) int {
		if lvl, ok := levels[id]; ok {
			return lvl
		}
		max := 0
		for _, group := range p.deps[id] {
			for _, dep := range group {
				if l := levelOf(dep); l > max {
					max = l
				}
			}
		}
		levels[id] = max + 1
		return max + 1
	}

	byLevel := make(map[int][]string)
	maxLevel := 0
	for _, id := range p.sortedSelected() {
		lvl := levelOf(id)
		byLevel[lvl] = append(byLevel[lvl], id)
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}
	for lvl := 1; lvl <= maxLevel; lvl++ {
		ids := byLevel[lvl]
		sort.Strings(ids)
		p.Order = append(p.Order, Level{Level: lvl, Parallel: ids})
	}
}

func (p *Plan) computeStats() {
	p.Stats.TotalChecks = len(p.Selected)
	p.Stats.ParallelLevels = len(p.Order)
	for _, lvl := range p.Order {
		if n := len(lvl.Parallel); n > p.Stats.MaxParallelism {
			p.Stats.MaxParallelism = n
		}
	}
	if len(p.Order) > 0 {
		p.Stats.AverageParallelism = float64(p.Stats.TotalChecks) / float64(len(p.Order))
	}
	for id := range p.Selected {
		if len(p.deps[id]) > 0 {
			p.Stats.ChecksWithDependencies++
		}
	}
}

// DepsOf returns the retained dependency groups for a check.
func (p *Plan) DepsOf(id string) [][]string { return p.deps[id] }

// DirectDependents returns the checks that directly depend on id (any
// branch), sorted.
func (p *Plan) DirectDependents(id string) []string { return p.dependents[id] }

func (p *Plan) sortedSelected() []string {
	ids := make([]string, 0, len(p.Selected))
	for id := range p.Selected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
