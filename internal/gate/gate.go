// Package gate evaluates acceptance gates against produced values. All gate
// variants except llm_review and shell are pure functions of the value; the
// engine carries the review lookup and the shell allow flag those two need.
package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/logger/tag"
	"github.com/weftlabs/weft/internal/provider"
)

// DefaultReviewThreshold is the minimum review score when a gate sets none.
const DefaultReviewThreshold = 0.8

// ReviewLookup resolves the review provider for a named adapter.
type ReviewLookup func(name string) (provider.ReviewProvider, bool)

// Engine evaluates gate specs.
type Engine struct {
	review     ReviewLookup
	allowShell bool
}

// Option configures the engine.
type Option func(*Engine)

// WithReviewLookup installs the resolver used by llm_review gates.
func WithReviewLookup(fn ReviewLookup) Option {
	return func(e *Engine) { e.review = fn }
}

// WithShellGates enables shell gate execution. Shell gates stay blocked
// unless this is set from explicit operator configuration.
func WithShellGates(allowed bool) Option {
	return func(e *Engine) { e.allowShell = allowed }
}

// New creates a gate engine.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Options carries per-evaluation settings.
type Options struct {
	// Provider names the adapter whose reviewer serves llm_review gates.
	Provider string
}

// Evaluate runs one gate against a value. It never returns an error: every
// failure mode folds into a failed result with a reason.
func (e *Engine) Evaluate(ctx context.Context, spec core.GateSpec, value core.Value, opts Options) core.GateResult {
	start := time.Now()
	var res core.GateResult
	switch spec.Type {
	case core.GateJSONSchema:
		res = evalSchema(spec, value)
	case core.GateExpression:
		res = evalExpr(ctx, spec, value)
	case core.GateWordCount:
		res = evalWordCount(spec, value)
	case core.GateLLMReview:
		res = e.evalReview(ctx, spec, value, opts)
	case core.GateShell:
		res = e.evalShell(ctx, spec, value)
	default:
		res = core.GateResult{Passed: false, Reason: fmt.Sprintf("unknown gate type %q", spec.Type)}
	}
	res.Gate = spec.Label()
	res.Type = spec.Type
	res.DurationMS = time.Since(start).Milliseconds()
	if !res.Passed {
		logger.Debug(ctx, "Gate failed", tag.Gate(res.Gate), "reason", res.Reason)
	}
	return res
}

// EvaluateAll runs gates in order and reports whether every one passed.
func (e *Engine) EvaluateAll(ctx context.Context, specs []core.GateSpec, value core.Value, opts Options) ([]core.GateResult, bool) {
	results := make([]core.GateResult, 0, len(specs))
	passed := true
	for _, spec := range specs {
		res := e.Evaluate(ctx, spec, value, opts)
		results = append(results, res)
		passed = passed && res.Passed
	}
	return results, passed
}

func evalSchema(spec core.GateSpec, value core.Value) core.GateResult {
	if spec.Validator != nil {
		if err := spec.Validator.Validate(value.ToAny()); err != nil {
			return core.GateResult{Passed: false, Reason: err.Error()}
		}
		return core.GateResult{Passed: true}
	}
	if spec.Schema == nil {
		return core.GateResult{Passed: false, Reason: "json_schema gate has no schema"}
	}
	violations := ValidateSchema(spec.Schema, value)
	if len(violations) == 0 {
		return core.GateResult{Passed: true}
	}
	reason := fmt.Sprintf("%s: %s", violations[0].Path, violations[0].Reason)
	if len(violations) > 1 {
		reason = fmt.Sprintf("%s (and %d more)", reason, len(violations)-1)
	}
	return core.GateResult{Passed: false, Reason: reason, Details: violations}
}

func evalWordCount(spec core.GateSpec, value core.Value) core.GateResult {
	text, ok := value.AsString()
	if !ok {
		return core.GateResult{
			Passed: false,
			Reason: fmt.Sprintf("expected text output, got %s", value.Kind()),
		}
	}
	words := len(strings.Fields(text))
	audit := map[string]any{"words": words}
	if spec.Min != nil && words < *spec.Min {
		return core.GateResult{
			Passed: false,
			Reason: fmt.Sprintf("word count %d below minimum %d", words, *spec.Min),
			Audit:  audit,
		}
	}
	if spec.Max != nil && words > *spec.Max {
		return core.GateResult{
			Passed: false,
			Reason: fmt.Sprintf("word count %d above maximum %d", words, *spec.Max),
			Audit:  audit,
		}
	}
	return core.GateResult{Passed: true, Audit: audit}
}

func (e *Engine) evalReview(ctx context.Context, spec core.GateSpec, value core.Value, opts Options) core.GateResult {
	if e.review == nil {
		return core.GateResult{Passed: false, Reason: "no review provider configured"}
	}
	reviewer, ok := e.review(opts.Provider)
	if !ok {
		return core.GateResult{Passed: false, Reason: fmt.Sprintf("provider %q cannot review", opts.Provider)}
	}
	threshold := DefaultReviewThreshold
	if spec.Threshold != nil {
		threshold = *spec.Threshold
	}
	res, err := reviewer.Review(ctx, &provider.ReviewRequest{Output: value.String(), Criteria: spec.Criteria})
	if err != nil {
		return core.GateResult{Passed: false, Reason: fmt.Sprintf("review failed: %v", err)}
	}

	audit := map[string]any{"score": res.Score, "threshold": threshold}
	if len(res.CriteriaResults) > 0 {
		audit["criteria"] = res.CriteriaResults
	}
	if !res.Passed || res.Score < threshold {
		var failing []string
		for _, cr := range res.CriteriaResults {
			if !cr.Passed {
				failing = append(failing, cr.Criterion)
			}
		}
		reason := fmt.Sprintf("review score %.2f below threshold %.2f", res.Score, threshold)
		if len(failing) > 0 {
			reason = fmt.Sprintf("%s; failed criteria: %s", reason, strings.Join(failing, ", "))
		}
		return core.GateResult{Passed: false, Reason: reason, Audit: audit}
	}
	return core.GateResult{Passed: true, Audit: audit}
}
