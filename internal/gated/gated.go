// Package gated runs a producer repeatedly until every gate passes, feeding
// failure text back into the next attempt. The block executor drives its
// dispatch loop through this harness and it works standalone for any
// produce-validate loop.
package gated

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/gate"
	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/logger/tag"
)

// DefaultMaxAttempts bounds the loop when the config sets no maximum.
const DefaultMaxAttempts = 3

// Producer generates one candidate output. Attempt numbers are 1-based;
// feedback is empty on the first attempt and on every attempt when feedback
// is disabled.
type Producer func(ctx context.Context, attempt int, feedback string) (string, error)

// Attempt records one loop iteration.
type Attempt struct {
	Number     int               `json:"number"`
	Raw        string            `json:"raw,omitempty"`
	Value      core.Value        `json:"value,omitempty"`
	Gates      []core.GateResult `json:"gates,omitempty"`
	Feedback   string            `json:"feedback,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMS int64             `json:"duration_ms"`
}

// Result is the successful outcome.
type Result struct {
	Data       core.Value        `json:"data"`
	Attempts   int               `json:"attempts"`
	Gates      []core.GateResult `json:"gates"`
	History    []Attempt         `json:"history,omitempty"`
	DurationMS int64             `json:"duration_ms"`
}

// Config parameterizes one harness run.
type Config struct {
	Gates       []core.GateSpec
	Extract     core.ExtractSpec
	MaxAttempts int
	// Feedback defaults to on; set to a false pointer to call the producer
	// without prior failure text.
	Feedback    *bool
	GateOptions gate.Options
	OnAttempt   func(Attempt)
}

// ExhaustionError reports that every attempt failed. It carries the full
// attempt history and the last extracted value.
type ExhaustionError struct {
	Attempts int
	History  []Attempt
	LastData core.Value
}

func (e *ExhaustionError) Error() string {
	last := ""
	if n := len(e.History); n > 0 {
		if e.History[n-1].Error != "" {
			last = e.History[n-1].Error
		} else {
			last = firstFailure(e.History[n-1].Gates)
		}
	}
	if last == "" {
		return fmt.Sprintf("gates exhausted after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("gates exhausted after %d attempts: %s", e.Attempts, last)
}

// LastGates returns the gate results of the final attempt.
func (e *ExhaustionError) LastGates() []core.GateResult {
	if len(e.History) == 0 {
		return nil
	}
	return e.History[len(e.History)-1].Gates
}

// Harness evaluates producer output through a gate engine.
type Harness struct {
	gates *gate.Engine
}

// New creates a harness.
func New(gates *gate.Engine) *Harness {
	return &Harness{gates: gates}
}

// Run loops produce, extract, validate until all gates pass or attempts run
// out. An empty gate list passes trivially on the first attempt. Context
// cancellation aborts between steps.
func (h *Harness) Run(ctx context.Context, cfg Config, produce Producer) (*Result, error) {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	useFeedback := cfg.Feedback == nil || *cfg.Feedback

	start := time.Now()
	var history []Attempt
	var lastData core.Value
	feedback := ""

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		at := Attempt{Number: attempt}
		attemptStart := time.Now()
		carried := ""
		if useFeedback {
			carried = feedback
		}

		raw, err := produce(ctx, attempt, carried)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			at.Error = err.Error()
			at.DurationMS = time.Since(attemptStart).Milliseconds()
			feedback = "previous attempt failed: " + err.Error()
			at.Feedback = feedback
			history = record(history, at, cfg.OnAttempt)
			continue
		}
		at.Raw = core.PreviewOf(raw)

		value, err := Extract(cfg.Extract, raw)
		if err != nil {
			at.Error = "extract: " + err.Error()
			at.DurationMS = time.Since(attemptStart).Milliseconds()
			feedback = "previous output could not be parsed: " + err.Error()
			at.Feedback = feedback
			history = record(history, at, cfg.OnAttempt)
			continue
		}
		at.Value = value
		lastData = value

		results, passed := h.gates.EvaluateAll(ctx, cfg.Gates, value, cfg.GateOptions)
		at.Gates = results
		at.DurationMS = time.Since(attemptStart).Milliseconds()

		if passed {
			history = record(history, at, cfg.OnAttempt)
			return &Result{
				Data:       value,
				Attempts:   attempt,
				Gates:      results,
				History:    history,
				DurationMS: time.Since(start).Milliseconds(),
			}, nil
		}

		feedback = ComposeFeedback(results)
		at.Feedback = feedback
		history = record(history, at, cfg.OnAttempt)
		logger.Debug(ctx, "Gated attempt failed", tag.Attempt(attempt), "feedback", feedback)
	}

	return nil, &ExhaustionError{Attempts: maxAttempts, History: history, LastData: lastData}
}

func record(history []Attempt, at Attempt, onAttempt func(Attempt)) []Attempt {
	history = append(history, at)
	if onAttempt != nil {
		onAttempt(at)
	}
	return history
}

// ComposeFeedback renders failing gate results as corrective text for the
// next attempt.
func ComposeFeedback(results []core.GateResult) string {
	var b strings.Builder
	b.WriteString("Output failed validation:")
	for _, r := range results {
		if r.Passed {
			continue
		}
		fmt.Fprintf(&b, "\n- gate %q failed", r.Gate)
		if r.Reason != "" {
			fmt.Fprintf(&b, ": %s", r.Reason)
		}
		for _, d := range r.Details {
			fmt.Fprintf(&b, "\n  - %s: %s", d.Path, d.Reason)
		}
	}
	return b.String()
}

func firstFailure(results []core.GateResult) string {
	for _, r := range results {
		if !r.Passed {
			if r.Reason != "" {
				return fmt.Sprintf("gate %q: %s", r.Gate, r.Reason)
			}
			return fmt.Sprintf("gate %q failed", r.Gate)
		}
	}
	return ""
}
