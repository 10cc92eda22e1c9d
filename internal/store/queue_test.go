package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/core"
)

func enqueue(t *testing.T, s *Store, runID string, priority int, createdAt time.Time) *core.QueueEntry {
	t.Helper()
	entry := &core.QueueEntry{
		RunID:     runID,
		Priority:  priority,
		Payload:   json.RawMessage(`{"example":"demo","run_id":"` + runID + `"}`),
		CreatedAt: createdAt,
	}
	require.NoError(t, s.Enqueue(context.Background(), entry))
	return entry
}

func TestEnqueueRejectsDuplicateRunID(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	now := time.Now().UTC()
	enqueue(t, s, "run-1", core.PriorityP3, now)

	err := s.Enqueue(context.Background(), &core.QueueEntry{RunID: "run-1", CreatedAt: now})
	assert.ErrorIs(t, err, core.ErrQueueEntryExists)
}

func TestClaimNextOrdering(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	// Oldest first within equal priority.
	enqueue(t, s, "old-p3", core.PriorityP3, base)
	enqueue(t, s, "new-p3", core.PriorityP3, base.Add(10*time.Second))
	// Priority beats age.
	enqueue(t, s, "late-p0", core.PriorityP0, base.Add(20*time.Second))
	// Manual rank beats priority.
	ranked := enqueue(t, s, "ranked", core.PriorityP3, base.Add(30*time.Second))
	require.NoError(t, s.Update(ctx, ranked.RunID, nil, intPtr(1)))

	var order []string
	for {
		entry, err := s.ClaimNext(ctx, "pump-1", 30*time.Second)
		require.NoError(t, err)
		if entry == nil {
			break
		}
		order = append(order, entry.RunID)
		require.NoError(t, s.MarkRunning(ctx, entry.RunID, "pump-1", entry.ClaimToken, 30*time.Second))
	}
	assert.Equal(t, []string{"ranked", "late-p0", "old-p3", "new-p3"}, order)
}

func TestClaimNextExpiresStaleLeases(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	enqueue(t, s, "run-1", core.PriorityP2, time.Now().UTC())

	first, err := s.ClaimNext(ctx, "pump-a", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, core.QueueClaimed, first.Status)
	assert.Equal(t, 1, first.Attempt)

	// Let the lease lapse.
	time.Sleep(30 * time.Millisecond)

	second, err := s.ClaimNext(ctx, "pump-b", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "run-1", second.RunID)
	assert.Equal(t, "pump-b", second.ClaimOwner)
	assert.Equal(t, 2, second.Attempt)
	assert.NotEqual(t, first.ClaimToken, second.ClaimToken)

	// The first claimant's token no longer promotes.
	err = s.MarkRunning(ctx, "run-1", "pump-a", first.ClaimToken, 30*time.Second)
	assert.Error(t, err)
	require.NoError(t, s.MarkRunning(ctx, "run-1", "pump-b", second.ClaimToken, 30*time.Second))
}

func TestClaimNextEmptyQueue(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	entry, err := s.ClaimNext(context.Background(), "pump-1", time.Second)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestMarkTerminalIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	enqueue(t, s, "run-1", core.PriorityP3, time.Now().UTC())

	require.NoError(t, s.MarkTerminal(ctx, "run-1", core.QueueFailed, "dispatch failed"))
	// Second settle is a no-op, not an error.
	require.NoError(t, s.MarkTerminal(ctx, "run-1", core.QueueCompleted, ""))

	entry, err := s.Entry(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.QueueFailed, entry.Status)
	assert.Equal(t, "dispatch failed", entry.LastError)
	require.NotNil(t, entry.FinishedAt)

	err = s.MarkTerminal(ctx, "missing", core.QueueFailed, "")
	assert.ErrorIs(t, err, core.ErrQueueNotFound)

	err = s.MarkTerminal(ctx, "run-1", core.QueueRunning, "")
	assert.Error(t, err)
}

func TestQueuePositionAndPendingCount(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	enqueue(t, s, "first", core.PriorityP1, base)
	enqueue(t, s, "second", core.PriorityP1, base.Add(time.Second))
	enqueue(t, s, "urgent", core.PriorityP0, base.Add(2*time.Second))

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	pos, err := s.Position(ctx, "urgent")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	pos, err = s.Position(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, 3, pos)

	_, err = s.Position(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrQueueNotFound)
}

func TestUpdateRequiresPendingEntry(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	enqueue(t, s, "run-1", core.PriorityP3, time.Now().UTC())

	require.NoError(t, s.Update(ctx, "run-1", intPtr(core.PriorityP0), nil))
	entry, err := s.Entry(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.PriorityP0, entry.Priority)
	assert.Nil(t, entry.ManualRank)

	claimed, err := s.ClaimNext(ctx, "pump-1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	err = s.Update(ctx, "run-1", intPtr(core.PriorityP1), nil)
	assert.ErrorIs(t, err, core.ErrQueueNotPending)

	err = s.Update(ctx, "missing", intPtr(core.PriorityP1), nil)
	assert.ErrorIs(t, err, core.ErrQueueNotFound)
}

func TestReorderAssignsRanksInListOrder(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	enqueue(t, s, "a", core.PriorityP0, base)
	enqueue(t, s, "b", core.PriorityP3, base.Add(time.Second))
	enqueue(t, s, "c", core.PriorityP3, base.Add(2*time.Second))

	require.NoError(t, s.Reorder(ctx, []string{"c", "a", "b"}))

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].RunID)
	assert.Equal(t, "a", entries[1].RunID)
	assert.Equal(t, "b", entries[2].RunID)
	require.NotNil(t, entries[0].ManualRank)
	assert.Equal(t, 1, *entries[0].ManualRank)
}

func TestCancelPending(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	enqueue(t, s, "a", core.PriorityP3, base)
	enqueue(t, s, "b", core.PriorityP3, base.Add(time.Second))
	claimed, err := s.ClaimNext(ctx, "pump-1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := s.CancelPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err := s.Entry(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, core.QueueCancelled, entry.Status)

	// The claimed entry is untouched.
	entry, err = s.Entry(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, core.QueueClaimed, entry.Status)
}

func TestListOrdersLiveEntriesFirst(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	enqueue(t, s, "done", core.PriorityP0, base)
	require.NoError(t, s.MarkTerminal(ctx, "done", core.QueueCompleted, ""))
	enqueue(t, s, "waiting", core.PriorityP3, base.Add(time.Second))

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "waiting", entries[0].RunID)
	assert.Equal(t, "done", entries[1].RunID)
}

func intPtr(n int) *int { return &n }
