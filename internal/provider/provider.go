// Package provider defines the adapter contracts the engine dispatches block
// work through, plus the built-in adapters: an in-memory mock, a subprocess
// adapter and a JSON-over-HTTP adapter.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/weftlabs/weft/internal/core"
)

// ErrNotRegistered is returned when a dispatch names an unknown provider.
var ErrNotRegistered = errors.New("provider not registered")

// DispatchRequest is the work order sent to a provider adapter for one block
// attempt.
type DispatchRequest struct {
	Title              string           `json:"title"`
	Description        string           `json:"description,omitempty"`
	Context            map[string]any   `json:"context,omitempty"`
	AcceptanceCriteria []string         `json:"acceptance_criteria,omitempty"`
	BounceCount        int              `json:"bounce_count"`
	Agent              string           `json:"agent,omitempty"`
	System             string           `json:"system,omitempty"`
	OutputSchema       *core.SchemaNode `json:"output_schema,omitempty"`
	ModelParams        map[string]any   `json:"model_params,omitempty"`
}

// DispatchResult is the adapter's answer for one attempt.
type DispatchResult struct {
	Success        bool   `json:"success"`
	Output         string `json:"output,omitempty"`
	TokensUsed     int64  `json:"tokens_used,omitempty"`
	Error          string `json:"error,omitempty"`
	ActualProvider string `json:"actual_provider,omitempty"`
	ActualModel    string `json:"actual_model,omitempty"`
}

// Provider is the adapter contract. Implementations must honor context
// cancellation as a best-effort abort.
type Provider interface {
	Name() string
	Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error)
}

// StreamHandlers receives incremental output from streaming adapters.
type StreamHandlers struct {
	OnChunk func(chunk string)
	OnDone  func(res *DispatchResult)
}

// StreamingProvider is implemented by adapters that can stream output.
type StreamingProvider interface {
	Provider
	DispatchStream(ctx context.Context, req *DispatchRequest, handlers StreamHandlers) error
}

// HealthChecker is implemented by adapters that can probe their backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReviewRequest asks a review provider to score an output against criteria.
type ReviewRequest struct {
	Output   string   `json:"output"`
	Criteria []string `json:"criteria"`
}

// CriterionResult is the verdict for a single review criterion.
type CriterionResult struct {
	Criterion string  `json:"criterion"`
	Passed    bool    `json:"passed"`
	Score     float64 `json:"score"`
	Notes     string  `json:"notes,omitempty"`
}

// ReviewResult is the aggregate review verdict.
type ReviewResult struct {
	Passed          bool              `json:"passed"`
	Score           float64           `json:"score"`
	CriteriaResults []CriterionResult `json:"criteria_results,omitempty"`
	Cost            float64           `json:"cost,omitempty"`
}

// ReviewProvider scores produced output for llm_review gates.
type ReviewProvider interface {
	Review(ctx context.Context, req *ReviewRequest) (*ReviewResult, error)
}

// Registry holds the configured adapters by name.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds an adapter. The first registered adapter becomes the default.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.providers) == 0 {
		r.defaultName = p.Name()
	}
	r.providers[p.Name()] = p
}

// SetDefault selects the adapter used when a request names none.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	r.defaultName = name
	return nil
}

// Get resolves an adapter by name; the empty name resolves the default.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return p, nil
}

// Review resolves a review provider by name, when the named adapter offers
// one.
func (r *Registry) Review(name string) (ReviewProvider, bool) {
	p, err := r.Get(name)
	if err != nil {
		return nil, false
	}
	rp, ok := p.(ReviewProvider)
	return rp, ok
}

// Names returns the registered adapter names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
