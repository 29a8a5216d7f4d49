package engine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/dvnorth/checkflow-go/engine/emit"
	"github.com/dvnorth/checkflow-go/engine/journal"
	"github.com/dvnorth/checkflow-go/engine/memory"
)

// PRContext describes the change under review. All fields are optional;
// an empty context runs checks without change-specific data.
type PRContext struct {
	Owner  string `json:"owner,omitempty"`
	Repo   string `json:"repo,omitempty"`
	Number int    `json:"number,omitempty"`
	Title  string `json:"title,omitempty"`
	Body   string `json:"body,omitempty"`
	Author string `json:"author,omitempty"`
	Base   string `json:"base,omitempty"`
	Head   string `json:"head,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Key identifies the change for deterministic seeding and dedupe.
func (p *PRContext) Key() string {
	if p == nil {
		return ""
	}
	if p.Owner != "" || p.Repo != "" || p.Number != 0 {
		return fmt.Sprintf("%s/%s#%d", p.Owner, p.Repo, p.Number)
	}
	return p.Title
}

func prToMap(p *PRContext) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return map[string]any{
		"owner":  p.Owner,
		"repo":   p.Repo,
		"number": p.Number,
		"title":  p.Title,
		"body":   p.Body,
		"author": p.Author,
		"base":   p.Base,
		"head":   p.Head,
		"url":    p.URL,
	}
}

// Renderer turns a finished result into display content for checks whose
// provider did not render any. Optional collaborator.
type Renderer interface {
	Render(ctx context.Context, check string, res *StepResult) (string, error)
}

// Analyzer elevates issue-thread context to PR context when routing
// shifts a run onto a PR-class event. Optional collaborator.
type Analyzer interface {
	ElevateContext(ctx context.Context, pr *PRContext, event Event) (*PRContext, error)
}

// Engine executes configured checks against change contexts. Construct
// with New; an Engine is safe for sequential reuse across runs, with the
// memory store and journal carrying whatever their backends persist.
type Engine struct {
	cfg      *Config
	registry *Registry
	journal  journal.Journal[*StepResult]
	memory   memory.Store
	emitter  emit.Emitter
	metrics  *Metrics
	renderer Renderer
	analyzer Analyzer
	strict   bool
	debug    bool
}

// Option configures an Engine.
type Option func(*Engine)

// New creates an Engine over a normalized config and a provider registry.
func New(cfg *Config, registry *Registry, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, &EngineError{Message: "config is required", Code: "CONFIG_REQUIRED"}
	}
	if registry == nil {
		return nil, &EngineError{Message: "provider registry is required", Code: "REGISTRY_REQUIRED"}
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		registry: registry,
		emitter:  emit.NewNullEmitter(),
		strict:   envFlag("CHECKFLOW_STRICT"),
		debug:    envFlag("CHECKFLOW_DEBUG"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.journal == nil {
		e.journal = journal.NewMemJournal[*StepResult]()
	}
	if e.memory == nil {
		e.memory = memory.NewMemStore(cfg.Memory)
	}
	return e, nil
}

// ExecOptions parameterizes one run.
type ExecOptions struct {
	// Checks selects the checks to run; dependencies are pulled in
	// transitively.
	Checks []string

	// Event is the trigger; empty defaults to manual.
	Event Event

	PR    *PRContext
	Files []string

	// Env adds expression-visible variables on top of the filtered
	// process environment.
	Env map[string]any

	// Extras overlays caller-supplied results onto every step's dependency
	// view, under the journal and fan-out overlays. Keys are loosely typed
	// at this boundary; non-string keys are dropped with a warning.
	Extras map[any]*StepResult

	// Webhook carries the raw payload for webhook-triggered runs,
	// forwarded to providers that accept it.
	Webhook map[string]any

	Debug   bool
	CLIMode bool
}

// ExecuteChecks runs the selected checks and returns grouped results,
// statistics, and the outputs history. Planning failures yield a result
// with a single synthesized issue and zero executions; the error return
// is reserved for strict mode.
func (e *Engine) ExecuteChecks(ctx context.Context, opts ExecOptions) (*RunResult, error) {
	if len(opts.Checks) == 0 {
		return &RunResult{
			Results: GroupedResults{},
			History: map[string][]any{},
		}, nil
	}
	event := opts.Event
	if event == "" {
		event = EventManual
	}

	session := uuid.NewString()
	e.emitter.Emit(emit.Event{SessionID: session, Msg: "run_start", Meta: map[string]any{
		"checks": len(opts.Checks), "event": string(event),
	}})

	plan, err := BuildPlan(e.cfg, opts.Checks, event)
	if err != nil {
		e.emitter.Emit(emit.Event{SessionID: session, Msg: "run_end", Meta: map[string]any{"error": err.Error()}})
		return planFailureResult(err), nil
	}

	r := newRun(e, plan, event, session, opts)
	if opts.Webhook != nil {
		e.registry.SetWebhookContext(opts.Webhook)
	}
	r.execute(ctx)

	result := e.aggregate(ctx, r)
	e.emitter.Emit(emit.Event{SessionID: session, Msg: "run_end", Meta: map[string]any{
		"executions": result.Statistics.TotalExecutions,
	}})

	if e.strict {
		if msg := strictViolation(result); msg != "" {
			return result, fmt.Errorf("%w: %s", ErrStrictMode, msg)
		}
	}
	return result, nil
}

// ExecuteGroupedChecks is the rendering-oriented entry point: it binds the
// PR context and selection and returns the same RunResult shape.
func (e *Engine) ExecuteGroupedChecks(ctx context.Context, pr *PRContext, checks []string, opts ExecOptions) (*RunResult, error) {
	opts.PR = pr
	opts.Checks = checks
	return e.ExecuteChecks(ctx, opts)
}

// planFailureResult packages a fatal planning error as a run result: one
// synthesized issue, nothing executed.
func planFailureResult(err error) *RunResult {
	rule := RuleDependencyError
	if pe, ok := err.(*PlanError); ok {
		rule = pe.Rule
	}
	issue := newIssue("", rule, err.Error(), SeverityCritical)
	return &RunResult{
		Results: GroupedResults{
			"system": {{
				CheckName: "dependency-validation",
				Group:     "system",
				Issues:    []Issue{issue},
			}},
		},
		History: map[string][]any{},
	}
}

// aggregate assembles GroupedResults from the run's published results in
// plan order, rendering content for checks that produced none.
func (e *Engine) aggregate(ctx context.Context, r *run) *RunResult {
	grouped := GroupedResults{}
	for _, id := range r.plan.sortedSelected() {
		res, ok := r.published(id)
		if !ok || res == nil {
			continue
		}
		cc := r.cfg.Checks[id]
		group := cc.Group
		if group == "" {
			group = "default"
		}
		content := res.Content
		if content == "" && e.renderer != nil && !res.Skipped {
			rendered, err := e.renderer.Render(ctx, id, res)
			if err != nil {
				res.Issues = append(res.Issues, newIssue(id, id+"/render-error", err.Error(), SeverityError))
				r.emit(id, "", "warning", map[string]any{"reason": "render_failed", "error": err.Error()})
			} else {
				content = rendered
			}
		}
		cr := CheckResult{
			CheckName: id,
			Content:   content,
			Group:     group,
			Output:    res.Output,
			Issues:    res.Issues,
		}
		if e.debug || r.execCtx.DebugMode {
			cr.Debug = res.Debug
		}
		grouped[group] = append(grouped[group], cr)
	}
	return &RunResult{
		Results:    grouped,
		Statistics: r.stats.Statistics(),
		History:    r.history.Snapshot(),
	}
}

// strictViolation finds the first provider failure that strict mode
// escalates to a run error.
func strictViolation(result *RunResult) string {
	for _, results := range result.Results {
		for _, cr := range results {
			for _, issue := range cr.Issues {
				if issue.RuleID == cr.CheckName+"/error" || strings.HasSuffix(issue.RuleID, "/promise-error") {
					return issue.Message
				}
			}
		}
	}
	return ""
}

func envFlag(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
