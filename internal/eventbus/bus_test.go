package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/core"
)

func event(runID string, seq int64) core.Event {
	return core.Event{Seq: seq, RunID: runID, Type: core.EventRunStart, Timestamp: time.Now()}
}

func TestBusDeliversInOrder(t *testing.T) {
	t.Parallel()

	bus := New()
	sub := bus.Subscribe(context.Background(), "run-1", "", 0)
	defer sub.Close()

	bus.Publish(event("run-1", 1))
	bus.Publish(event("run-1", 2))

	ev, ok := sub.Next()
	require.True(t, ok)
	assert.Equal(t, int64(1), ev.Seq)

	ev, ok = sub.Next()
	require.True(t, ok)
	assert.Equal(t, int64(2), ev.Seq)
}

func TestBusRespectsSequenceFloor(t *testing.T) {
	t.Parallel()

	bus := New()
	sub := bus.Subscribe(context.Background(), "run-1", "", 5)
	defer sub.Close()

	bus.Publish(event("run-1", 4))
	bus.Publish(event("run-1", 5))
	bus.Publish(event("run-1", 6))

	ev, ok := sub.Next()
	require.True(t, ok)
	assert.Equal(t, int64(6), ev.Seq)
}

func TestBusIsolatesRuns(t *testing.T) {
	t.Parallel()

	bus := New()
	sub := bus.Subscribe(context.Background(), "run-1", "", 0)
	defer sub.Close()

	bus.Publish(event("run-2", 1))
	bus.Publish(event("run-1", 1))

	ev, ok := sub.Next()
	require.True(t, ok)
	assert.Equal(t, "run-1", ev.RunID)
}

func TestBusClientIDEvictsPrevious(t *testing.T) {
	t.Parallel()

	bus := New()
	first := bus.Subscribe(context.Background(), "run-1", "client-a", 0)
	second := bus.Subscribe(context.Background(), "run-1", "client-a", 0)
	defer second.Close()

	assert.Equal(t, 1, bus.SubscriberCount("run-1"))

	// The replaced stream terminates.
	_, ok := first.Next()
	assert.False(t, ok)

	bus.Publish(event("run-1", 1))
	ev, ok := second.Next()
	require.True(t, ok)
	assert.Equal(t, int64(1), ev.Seq)
}

func TestBusDistinctClientsCoexist(t *testing.T) {
	t.Parallel()

	bus := New()
	a := bus.Subscribe(context.Background(), "run-1", "client-a", 0)
	b := bus.Subscribe(context.Background(), "run-1", "client-b", 0)
	defer a.Close()
	defer b.Close()

	assert.Equal(t, 2, bus.SubscriberCount("run-1"))

	bus.Publish(event("run-1", 1))
	ev, ok := a.Next()
	require.True(t, ok)
	assert.Equal(t, int64(1), ev.Seq)
	ev, ok = b.Next()
	require.True(t, ok)
	assert.Equal(t, int64(1), ev.Seq)
}

func TestBusEvictsSlowSubscriber(t *testing.T) {
	t.Parallel()

	bus := New()
	sub := bus.Subscribe(context.Background(), "run-1", "", 0)
	defer sub.Close()

	// Never reading: the buffer fills and the next publish disconnects.
	for i := 1; i <= subscriberBuffer+1; i++ {
		bus.Publish(event("run-1", int64(i)))
	}
	assert.Equal(t, 0, bus.SubscriberCount("run-1"))

	// Buffered events drain, then the stream reports done.
	for i := 1; i <= subscriberBuffer; i++ {
		ev, ok := sub.Next()
		require.True(t, ok)
		assert.Equal(t, int64(i), ev.Seq)
	}
	_, ok := sub.Next()
	assert.False(t, ok)
}

func TestBusContextCancellationEndsStream(t *testing.T) {
	t.Parallel()

	bus := New()
	ctx, cancel := context.WithCancel(context.Background())
	sub := bus.Subscribe(ctx, "run-1", "", 0)

	cancel()
	_, ok := sub.Next()
	assert.False(t, ok)
}

func TestBusCloseRun(t *testing.T) {
	t.Parallel()

	bus := New()
	sub := bus.Subscribe(context.Background(), "run-1", "", 0)

	bus.Publish(event("run-1", 1))
	bus.CloseRun("run-1")
	assert.Equal(t, 0, bus.SubscriberCount("run-1"))

	// The buffered event still drains before the stream ends.
	ev, ok := sub.Next()
	require.True(t, ok)
	assert.Equal(t, int64(1), ev.Seq)
	_, ok = sub.Next()
	assert.False(t, ok)
}
