package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/core"
)

func TestPolicyIntervals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"none always zero", None{}, 3, 0},
		{"first attempt immediate", Linear{Delay: time.Second}, 1, 0},
		{"linear first retry", Linear{Delay: time.Second}, 2, time.Second},
		{"linear third retry", Linear{Delay: time.Second}, 4, 3 * time.Second},
		{"exponential first retry", Exponential{Delay: time.Second}, 2, time.Second},
		{"exponential second retry", Exponential{Delay: time.Second}, 3, 2 * time.Second},
		{"exponential fourth retry", Exponential{Delay: time.Second}, 5, 8 * time.Second},
		{"exponential capped", Exponential{Delay: time.Second, MaxInterval: 3 * time.Second}, 5, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.policy.Interval(tt.attempt))
		})
	}
}

func TestForSpec(t *testing.T) {
	t.Parallel()

	assert.IsType(t, None{}, ForSpec(core.RetrySpec{}))
	assert.IsType(t, None{}, ForSpec(core.RetrySpec{Backoff: core.BackoffNone}))
	assert.IsType(t, Linear{}, ForSpec(core.RetrySpec{Backoff: core.BackoffLinear, DelayMS: 10}))
	assert.IsType(t, Exponential{}, ForSpec(core.RetrySpec{Backoff: core.BackoffExponential, DelayMS: 10}))
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, None{}, 5, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustion(t *testing.T) {
	t.Parallel()

	calls := 0
	boom := errors.New("boom")
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		return boom
	}, None{}, 3, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetriable(t *testing.T) {
	t.Parallel()

	calls := 0
	fatal := errors.New("fatal")
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		return fatal
	}, None{}, 5, func(err error) bool { return !errors.Is(err, fatal) })

	assert.ErrorIs(t, err, fatal)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, calls)
}

func TestRetryHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	}, Linear{Delay: time.Hour}, 5, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls, "cancellation aborts before the next sleep")
}

func TestSleepCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
