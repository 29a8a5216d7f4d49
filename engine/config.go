package engine

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Fanout modes control how routed targets fan over a forEach parent's items.
const (
	FanoutDefault = "default"
	FanoutMap     = "map"
	FanoutReduce  = "reduce"
)

// TagOneShot forbids re-execution of a check within a run.
const TagOneShot = "one_shot"

// DefaultMaxLoops bounds routing (retries, run, goto) per run.
const DefaultMaxLoops = 10

// DefaultMaxParallelism bounds concurrent step runs within a level.
const DefaultMaxParallelism = 4

// Config is the parsed top-level configuration document.
type Config struct {
	Version        string                  `yaml:"version"`
	Checks         map[string]*CheckConfig `yaml:"checks"`
	Routing        RoutingConfig           `yaml:"routing"`
	MaxParallelism int                     `yaml:"max_parallelism"`
	FailFast       bool                    `yaml:"fail_fast"`
	// FailIf is a global expression evaluated on every successful step
	// result; when it triggers, a "global_fail_if" issue is appended.
	FailIf    string         `yaml:"fail_if"`
	TagFilter TagFilter      `yaml:"tag_filter"`
	Memory    map[string]any `yaml:"memory"`
	Output    map[string]any `yaml:"output"`
	Limits    Limits         `yaml:"limits"`
}

// RoutingConfig bounds and defaults for the routing engine.
type RoutingConfig struct {
	// MaxLoops is the run-wide routing budget. Nil means DefaultMaxLoops;
	// an explicit zero disables routing entirely.
	MaxLoops *int             `yaml:"max_loops"`
	Defaults *RoutingDefaults `yaml:"defaults"`
}

// RoutingDefaults are applied to checks that do not declare their own hooks.
type RoutingDefaults struct {
	OnFail *FailHook `yaml:"on_fail"`
}

// TagFilter is parsed from the config document. Tag filtering policy is a
// caller concern; the engine itself only interprets the one_shot tag.
type TagFilter struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// Limits holds run-wide caps.
type Limits struct {
	// MaxRunsPerCheck caps runs per (check, scope) for checks without an
	// explicit max_runs. Zero means unlimited.
	MaxRunsPerCheck int `yaml:"max_runs_per_check"`
}

// CheckConfig is the static declaration of one step.
//
// Keys the engine does not recognize land in Params and are passed through
// to the provider opaquely.
type CheckConfig struct {
	ID   string `yaml:"-"`
	Type string `yaml:"type"`

	Group string `yaml:"group"`

	// DependsOn lists dependency tokens: single ids or pipe-joined
	// OR-groups ("a|b|c").
	DependsOn []string `yaml:"depends_on"`

	// On restricts the events this check is eligible for. Empty = any.
	On []string `yaml:"on"`

	// If gates execution; evaluation errors skip the check (fail-secure).
	If string `yaml:"if"`

	// FailIf is evaluated over the step's result; a true value appends an
	// "<id>_fail_if" issue with error severity.
	FailIf string `yaml:"fail_if"`

	// ForEach marks the step's output as an array whose elements each
	// become a per-item scope for direct dependents.
	ForEach bool `yaml:"forEach"`

	// Fanout is "map", "reduce", or "default".
	Fanout string `yaml:"fanout"`

	Tags []string `yaml:"tags"`

	// ContinueOnFailure exempts dependents from this step's fatality.
	ContinueOnFailure bool `yaml:"continue_on_failure"`

	// MaxRuns caps executions per (step, scope). Zero falls back to
	// Limits.MaxRunsPerCheck.
	MaxRuns int `yaml:"max_runs"`

	// ReuseAISession names a check whose provider session this step
	// continues. Steps in the same level sharing a session run
	// sequentially.
	ReuseAISession string `yaml:"reuse_ai_session"`

	OnSuccess *Hook     `yaml:"on_success"`
	OnFail    *FailHook `yaml:"on_fail"`
	OnFinish  *Hook     `yaml:"on_finish"`

	// Params collects provider-specific fields verbatim.
	Params map[string]any `yaml:",inline"`
}

// Hook declares routing actions evaluated after a step attempt.
type Hook struct {
	// Run is a static list of additional step ids to execute.
	Run []string `yaml:"run"`
	// RunJS is an expression returning a step id or list of ids.
	RunJS string `yaml:"run_js"`
	// Goto schedules a forward run of the target (and, depending on the
	// hook origin, its dependents).
	Goto string `yaml:"goto"`
	// GotoJS is an expression returning the goto target (or empty/nil for
	// no routing).
	GotoJS string `yaml:"goto_js"`
	// GotoEvent overrides the effective event for the routed run.
	GotoEvent string `yaml:"goto_event"`
}

// FailHook extends Hook with retry configuration.
type FailHook struct {
	Hook  `yaml:",inline"`
	Retry *Retry `yaml:"retry"`
}

// Retry configures automatic re-attempts on soft or hard failure.
type Retry struct {
	Max    int    `yaml:"max"`
	BaseMs int    `yaml:"base_ms"`
	Mode   string `yaml:"mode"` // "exponential" or "fixed"
}

// ParseConfig decodes a YAML config document, stamps check ids, applies
// routing defaults, and validates enumerated fields.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &EngineError{Message: "invalid config document: " + err.Error(), Code: "CONFIG_PARSE_ERROR", Cause: err}
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize stamps ids, fills defaults, and validates. Callers constructing
// a Config in code should invoke it before handing the config to New.
func (c *Config) normalize() error {
	if c.Checks == nil {
		c.Checks = map[string]*CheckConfig{}
	}
	ids := make([]string, 0, len(c.Checks))
	for id := range c.Checks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		cc := c.Checks[id]
		if cc == nil {
			cc = &CheckConfig{}
			c.Checks[id] = cc
		}
		cc.ID = id
		switch cc.Fanout {
		case "", FanoutDefault, FanoutMap, FanoutReduce:
		default:
			return &EngineError{
				Message: fmt.Sprintf("check %s: unknown fanout mode %q", id, cc.Fanout),
				Code:    "CONFIG_INVALID_FANOUT",
			}
		}
		if cc.Fanout == "" {
			cc.Fanout = FanoutDefault
		}
		if cc.OnFail == nil && c.Routing.Defaults != nil && c.Routing.Defaults.OnFail != nil {
			clone := *c.Routing.Defaults.OnFail
			cc.OnFail = &clone
		}
	}
	return nil
}

// MaxLoops resolves the run-wide routing budget.
func (c *Config) MaxLoops() int {
	if c.Routing.MaxLoops != nil {
		return *c.Routing.MaxLoops
	}
	return DefaultMaxLoops
}

// EffectiveMaxParallelism resolves the level concurrency bound.
func (c *Config) EffectiveMaxParallelism() int {
	if c.MaxParallelism > 0 {
		return c.MaxParallelism
	}
	return DefaultMaxParallelism
}

// maxRunsFor resolves the per-scope run cap for a check. Zero = unlimited.
func (c *Config) maxRunsFor(cc *CheckConfig) int {
	if cc.MaxRuns > 0 {
		return cc.MaxRuns
	}
	return c.Limits.MaxRunsPerCheck
}

// HasTag reports whether the check carries the given tag.
func (cc *CheckConfig) HasTag(tag string) bool {
	for _, t := range cc.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
