package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Mock is a scripted in-memory adapter used by tests and dev-mode runs. Each
// dispatch pops the next scripted step; when the script is exhausted the last
// step repeats.
type Mock struct {
	name string

	mu       sync.Mutex
	steps    []MockStep
	next     int
	requests []*DispatchRequest
	reviews  []*ReviewRequest
	review   func(req *ReviewRequest) (*ReviewResult, error)
}

// MockStep is one scripted dispatch outcome.
type MockStep struct {
	Result *DispatchResult
	Err    error
}

// NewMock creates a scripted adapter. With no steps it echoes the request
// title back as a successful output.
func NewMock(name string, steps ...MockStep) *Mock {
	if name == "" {
		name = "mock"
	}
	return &Mock{name: name, steps: steps}
}

func (m *Mock) Name() string { return m.name }

// Script replaces the remaining steps.
func (m *Mock) Script(steps ...MockStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = steps
	m.next = 0
}

// ScriptReview installs the review behavior.
func (m *Mock) ScriptReview(fn func(req *ReviewRequest) (*ReviewResult, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.review = fn
}

func (m *Mock) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if len(m.steps) == 0 {
		return &DispatchResult{
			Success:        true,
			Output:         req.Title,
			TokensUsed:     int64(len(req.Title)),
			ActualProvider: m.name,
		}, nil
	}
	step := m.steps[m.next]
	if m.next < len(m.steps)-1 {
		m.next++
	}
	if step.Err != nil {
		return nil, step.Err
	}
	res := *step.Result
	if res.ActualProvider == "" {
		res.ActualProvider = m.name
	}
	return &res, nil
}

func (m *Mock) Review(ctx context.Context, req *ReviewRequest) (*ReviewResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reviews = append(m.reviews, req)
	if m.review != nil {
		return m.review(req)
	}
	results := make([]CriterionResult, 0, len(req.Criteria))
	for _, c := range req.Criteria {
		results = append(results, CriterionResult{Criterion: c, Passed: true, Score: 1})
	}
	return &ReviewResult{Passed: true, Score: 1, CriteriaResults: results}, nil
}

// Requests returns a copy of the dispatch requests seen so far.
func (m *Mock) Requests() []*DispatchRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DispatchRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// Reviews returns a copy of the review requests seen so far.
func (m *Mock) Reviews() []*ReviewRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ReviewRequest, len(m.reviews))
	copy(out, m.reviews)
	return out
}

// Echo is the built-in dev adapter. It succeeds immediately, echoing either
// the "prompt" context entry or a JSON rendering of the whole request context
// so example pipelines produce inspectable output without a model backend.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	output := ""
	if prompt, ok := req.Context["prompt"].(string); ok && prompt != "" {
		output = prompt
	} else if len(req.Context) > 0 {
		raw, err := json.Marshal(req.Context)
		if err != nil {
			return nil, fmt.Errorf("marshal context: %w", err)
		}
		output = string(raw)
	} else {
		output = req.Title
	}
	return &DispatchResult{
		Success:        true,
		Output:         output,
		TokensUsed:     int64(len(output) / 4),
		ActualProvider: "echo",
	}, nil
}

func (Echo) Review(ctx context.Context, req *ReviewRequest) (*ReviewResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := make([]CriterionResult, 0, len(req.Criteria))
	for _, c := range req.Criteria {
		results = append(results, CriterionResult{Criterion: c, Passed: true, Score: 1})
	}
	return &ReviewResult{Passed: true, Score: 1, CriteriaResults: results}, nil
}
