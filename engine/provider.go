package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ForEachInfo describes the fan-out slot a step is executing in.
type ForEachInfo struct {
	Index  int
	Total  int
	Parent string
}

// StepRequest is the provider-facing description of one step execution.
type StepRequest struct {
	CheckID string
	Type    string
	Event   Event
	// ScopeKey is the journal scope the result will be committed under.
	ScopeKey string
	// Params carries the check's inline configuration keys (everything
	// the engine itself does not interpret).
	Params map[string]any
	// Env is the expression environment assembled for this step, shared
	// with if/fail_if/routing evaluation.
	Env map[string]any
	// ForEach is set when the step runs against a single fan-out item.
	ForEach *ForEachInfo
}

// ExecContext carries run-level context across provider calls.
type ExecContext struct {
	SessionID       string
	ParentSessionID string
	CLIMode         bool
	DebugMode       bool
	// History is a read-only snapshot of the outputs history for template
	// rendering inside the provider.
	History map[string][]any
	// Webhook holds raw webhook payload context when the run was
	// triggered remotely.
	Webhook map[string]any
}

// Provider executes one step type. Implementations must be safe for
// concurrent use; the scheduler calls Execute from parallel level tasks.
type Provider interface {
	Execute(ctx context.Context, req *StepRequest, deps *DepView, ec *ExecContext) (*StepResult, error)
}

// WebhookAware is implemented by providers that want the raw webhook
// payload pushed to them before a run.
type WebhookAware interface {
	SetWebhookContext(webhook map[string]any)
}

// Registry maps step types to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds a provider to a step type, replacing any previous
// binding.
func (r *Registry) Register(stepType string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[stepType] = p
}

// Get returns the provider for a step type.
func (r *Registry) Get(stepType string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[stepType]
	if !ok {
		return nil, &EngineError{
			Message: fmt.Sprintf("no provider registered for type %q", stepType),
			Code:    "provider_not_found",
		}
	}
	return p, nil
}

// Types returns the registered step types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// SetWebhookContext forwards the webhook payload to every registered
// provider that accepts one.
func (r *Registry) SetWebhookContext(webhook map[string]any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if wa, ok := p.(WebhookAware); ok {
			wa.SetWebhookContext(webhook)
		}
	}
}
