package engine

import (
	"reflect"
	"testing"
)

const sampleConfig = `
version: "1.0"
max_parallelism: 2
fail_fast: true
fail_if: "output != nil && output.score < 10"
routing:
  max_loops: 5
  defaults:
    on_fail:
      retry:
        max: 2
        base_ms: 50
limits:
  max_runs_per_check: 4
memory:
  threshold: 80
checks:
  security:
    type: ai
    group: review
    prompt: "Review the diff for vulnerabilities"
    depends_on: [fetch]
    on: [pr_opened, pr_updated]
    fail_if: "output.critical > 0"
    tags: [one_shot]
    max_runs: 1
  fetch:
    type: command
    exec: "git diff"
    timeout: 30
  items:
    type: command
    exec: "ls"
    forEach: true
    fanout: map
    on_finish:
      goto: items
      goto_js: "foreach.failed > 0 ? 'items' : nil"
  custom:
    type: script
    script: "1 + 1"
    on_fail:
      goto: fetch
      retry:
        max: 5
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.MaxParallelism != 2 || !cfg.FailFast {
		t.Errorf("top-level fields: parallelism=%d failFast=%v", cfg.MaxParallelism, cfg.FailFast)
	}
	if cfg.MaxLoops() != 5 {
		t.Errorf("MaxLoops = %d, want 5", cfg.MaxLoops())
	}
	if cfg.Limits.MaxRunsPerCheck != 4 {
		t.Errorf("MaxRunsPerCheck = %d, want 4", cfg.Limits.MaxRunsPerCheck)
	}
	if cfg.Memory["threshold"] != 80 {
		t.Errorf("memory seed = %v", cfg.Memory)
	}

	sec := cfg.Checks["security"]
	if sec.ID != "security" || sec.Type != "ai" || sec.Group != "review" {
		t.Errorf("security basics: %+v", sec)
	}
	if sec.Params["prompt"] != "Review the diff for vulnerabilities" {
		t.Errorf("unrecognized keys must land in Params, got %v", sec.Params)
	}
	if !reflect.DeepEqual(sec.DependsOn, []string{"fetch"}) {
		t.Errorf("depends_on = %v", sec.DependsOn)
	}
	if !sec.HasTag(TagOneShot) {
		t.Error("one_shot tag lost")
	}
	if sec.MaxRuns != 1 || cfg.maxRunsFor(sec) != 1 {
		t.Errorf("maxRunsFor(security) = %d, want 1", cfg.maxRunsFor(sec))
	}
	if cfg.maxRunsFor(cfg.Checks["fetch"]) != 4 {
		t.Errorf("maxRunsFor(fetch) = %d, want limits fallback 4", cfg.maxRunsFor(cfg.Checks["fetch"]))
	}

	items := cfg.Checks["items"]
	if !items.ForEach || items.Fanout != FanoutMap {
		t.Errorf("items forEach/fanout: %+v", items)
	}
	if items.OnFinish == nil || items.OnFinish.Goto != "items" || items.OnFinish.GotoJS == "" {
		t.Errorf("on_finish = %+v", items.OnFinish)
	}
}

// Routing defaults apply to checks without their own on_fail and are
// cloned, not shared.
func TestConfigRoutingDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	fetch := cfg.Checks["fetch"]
	if fetch.OnFail == nil || fetch.OnFail.Retry == nil || fetch.OnFail.Retry.Max != 2 {
		t.Fatalf("fetch should inherit the default on_fail, got %+v", fetch.OnFail)
	}
	custom := cfg.Checks["custom"]
	if custom.OnFail.Goto != "fetch" || custom.OnFail.Retry.Max != 5 {
		t.Errorf("explicit on_fail must win over the default, got %+v", custom.OnFail)
	}
	if fetch.OnFail == cfg.Routing.Defaults.OnFail {
		t.Error("inherited hook must be a copy, not the shared default")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{Checks: map[string]*CheckConfig{"a": {}}}
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.MaxLoops() != DefaultMaxLoops {
		t.Errorf("MaxLoops = %d, want default %d", cfg.MaxLoops(), DefaultMaxLoops)
	}
	if cfg.EffectiveMaxParallelism() != DefaultMaxParallelism {
		t.Errorf("EffectiveMaxParallelism = %d, want default %d", cfg.EffectiveMaxParallelism(), DefaultMaxParallelism)
	}
	if cfg.Checks["a"].Fanout != FanoutDefault {
		t.Errorf("Fanout = %q, want %q", cfg.Checks["a"].Fanout, FanoutDefault)
	}
	if cfg.maxRunsFor(cfg.Checks["a"]) != 0 {
		t.Error("no cap configured means unlimited")
	}
}

// An explicit max_loops of zero disables routing; it is not the same as
// leaving the field unset.
func TestConfigExplicitZeroMaxLoops(t *testing.T) {
	cfg, err := ParseConfig([]byte("routing:\n  max_loops: 0\nchecks:\n  a:\n    type: log\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.MaxLoops() != 0 {
		t.Errorf("MaxLoops = %d, want 0", cfg.MaxLoops())
	}
}

func TestConfigInvalidFanout(t *testing.T) {
	_, err := ParseConfig([]byte("checks:\n  a:\n    type: log\n    fanout: scatter\n"))
	if err == nil {
		t.Fatal("expected an error for an unknown fanout mode")
	}
}

func TestConfigInvalidYAML(t *testing.T) {
	_, err := ParseConfig([]byte(":\n  - ]["))
	if err == nil {
		t.Fatal("expected a parse error")
	}
}
