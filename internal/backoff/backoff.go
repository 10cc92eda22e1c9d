// Package backoff provides inter-attempt delay policies and a context-aware
// retry loop shared by block dispatch and outbound HTTP calls.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weftlabs/weft/internal/core"
)

// ErrRetriesExhausted wraps the last error once every attempt has failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Policy computes the delay preceding a given attempt. Attempt numbers are
// 1-based; attempt 1 always starts immediately.
type Policy interface {
	Interval(attempt int) time.Duration
}

// None retries without delay.
type None struct{}

// Interval implements Policy.
func (None) Interval(int) time.Duration { return 0 }

// Linear grows the delay linearly with the retry index: the first retry waits
// Delay, the second 2*Delay, and so on.
type Linear struct {
	Delay time.Duration
}

// Interval implements Policy.
func (p Linear) Interval(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return p.Delay * time.Duration(attempt-1)
}

// Exponential doubles the delay per retry: the first retry waits Delay, the
// second 2*Delay, the third 4*Delay. MaxInterval caps the delay when set.
type Exponential struct {
	Delay       time.Duration
	MaxInterval time.Duration
}

// Interval implements Policy.
func (p Exponential) Interval(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.Delay
	for i := 2; i < attempt; i++ {
		d *= 2
		if p.MaxInterval > 0 && d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

// ForSpec maps a block retry spec onto a Policy.
func ForSpec(spec core.RetrySpec) Policy {
	delay := time.Duration(spec.DelayMS) * time.Millisecond
	switch spec.Backoff {
	case core.BackoffLinear:
		return Linear{Delay: delay}
	case core.BackoffExponential:
		return Exponential{Delay: delay}
	default:
		return None{}
	}
}

// Sleep waits for d or until the context is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs op up to maxAttempts times, sleeping per policy between
// attempts. isRetriable decides whether an error is worth another attempt;
// nil means every error is. Context cancellation aborts immediately.
func Retry(ctx context.Context, op func(ctx context.Context) error, policy Policy, maxAttempts int, isRetriable func(error) bool) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if policy == nil {
		policy = None{}
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := Sleep(ctx, policy.Interval(attempt)); err != nil {
				return err
			}
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if isRetriable != nil && !isRetriable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}
