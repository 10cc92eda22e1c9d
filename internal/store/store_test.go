package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "weft.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDAG() *core.DAGDef {
	return &core.DAGDef{
		Name: "pair",
		Blocks: []core.BlockDef{
			{ID: "draft", Outputs: map[string]core.Port{"out": {Type: core.PortString}}},
			{ID: "review", Inputs: map[string]core.Port{"in": {Type: core.PortString}}},
		},
		Edges: []core.Edge{{From: "draft", FromPort: "out", To: "review", ToPort: "in"}},
	}
}

func newStoredRun(t *testing.T, s *Store, id string) *core.Run {
	t.Helper()
	run := core.NewRun(id, testDAG(), core.Context{"prompt": core.String("hello")}, nil)
	require.NoError(t, s.UpsertRun(context.Background(), run.DAG, run, nil))
	return run
}

func TestOpenRejectsSecondProcessLock(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dbFile := filepath.Join(dir, "weft.db")

	first, err := Open(context.Background(), dbFile)
	require.NoError(t, err)
	defer func() { _ = first.Close() }()

	_, err = Open(context.Background(), dbFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")
}

func TestUpsertRunRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	run := newStoredRun(t, s, "run-1")

	exists, err := s.RunExists(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, exists)

	row, err := s.RunRow(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", row.ID)
	assert.Equal(t, "pair", row.DAGName)
	assert.Equal(t, core.RunPending, row.Status)
	assert.False(t, row.Reconstructed)
	require.NotNil(t, row.Run)
	assert.Len(t, row.Run.Blocks, 2)
	require.NotNil(t, row.DAG)
	assert.Equal(t, run.DAGName, row.DAG.Name)

	// Update in place.
	run.Status = core.RunRunning
	run.Touch()
	require.NoError(t, s.UpsertRun(ctx, run.DAG, run, core.BuildTrace(run)))

	row, err = s.RunRow(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunRunning, row.Status)
	require.NotNil(t, row.Trace)
	assert.Len(t, row.Trace.Steps, 2)
}

func TestRunRowNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, err := s.RunRow(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrRunNotFound)

	exists, err := s.RunExists(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAppendEventAssignsMonotonicSeq(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	run := newStoredRun(t, s, "run-seq")

	var last int64
	for i := 0; i < 5; i++ {
		ev := core.NewRunStartEvent(run)
		seq, err := s.AppendEvent(ctx, ev)
		require.NoError(t, err)
		assert.Greater(t, seq, last)
		assert.Equal(t, seq, ev.Seq)
		last = seq
	}

	events, err := s.EventsSince(ctx, "run-seq", 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}

	// Replay from a cursor.
	tail, err := s.EventsSince(ctx, "run-seq", events[2].Seq)
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

func TestEventsRoundTripBlockSnapshot(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	run := newStoredRun(t, s, "run-snap")

	inst := run.Block("draft").Clone()
	inst.Status = core.BlockCompleted
	inst.Outputs = map[string]core.Value{"out": core.String("done")}
	_, err := s.AppendEvent(ctx, core.NewBlockEvent(run.ID, core.EventBlockComplete, inst))
	require.NoError(t, err)

	events, err := s.EventsSince(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventBlockComplete, events[0].Type)
	assert.Equal(t, "draft", events[0].BlockID)

	got, ok := events[0].BlockSnapshot()
	require.True(t, ok)
	assert.Equal(t, core.BlockCompleted, got.Status)
	out, ok := got.Outputs["out"]
	require.True(t, ok)
	assert.Equal(t, "done", out.String())
}

func TestRunRowReconstructsFromEvents(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	run := newStoredRun(t, s, "run-rebuild")

	_, err := s.AppendEvent(ctx, core.NewRunStartEvent(run))
	require.NoError(t, err)
	inst := run.Block("draft").Clone()
	inst.Status = core.BlockCompleted
	_, err = s.AppendEvent(ctx, core.NewBlockEvent(run.ID, core.EventBlockComplete, inst))
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, core.NewRunFailEvent(run.ID, core.RunFailed, core.CodeDispatchFailed, "boom"))
	require.NoError(t, err)

	// Corrupt the snapshot column; the row must rebuild from the log.
	_, err = s.db.ExecContext(ctx, `UPDATE dag_runs SET run_json = 'not json' WHERE run_id = ?`, run.ID)
	require.NoError(t, err)

	row, err := s.RunRow(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, row.Reconstructed)
	require.NotNil(t, row.Run)
	assert.Equal(t, core.RunFailed, row.Run.Status)
	assert.Equal(t, "boom", row.Run.Reason)
	assert.Equal(t, core.BlockCompleted, row.Run.Blocks["draft"].Status)
	assert.Equal(t, core.BlockPending, row.Run.Blocks["review"].Status)
}

func TestListRunsFiltersAndPages(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	statuses := []core.RunStatus{
		core.RunCompleted, core.RunFailed, core.RunRunning, core.RunCompleted,
	}
	for i, st := range statuses {
		run := core.NewRun(
			// Lexicographically increasing ids keep the tiebreak stable.
			"run-"+string(rune('a'+i)), testDAG(), nil, nil)
		run.Status = st
		run.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		run.UpdatedAt = run.CreatedAt
		require.NoError(t, s.UpsertRun(ctx, run.DAG, run, nil))
	}

	rows, total, err := s.ListRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, rows, 4)
	// Newest first.
	assert.Equal(t, "run-d", rows[0].ID)

	rows, total, err = s.ListRuns(ctx, core.WithStatuses(core.RunCompleted))
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, rows, 2)

	rows, total, err = s.ListRuns(ctx, core.WithLimit(2), core.WithOffset(1))
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, rows, 2)
	assert.Equal(t, "run-c", rows[0].ID)
	assert.Equal(t, "run-b", rows[1].ID)
}

func TestStaleRuns(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	old := core.NewRun("run-old", testDAG(), nil, nil)
	old.Status = core.RunRunning
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	old.UpdatedAt = old.CreatedAt
	require.NoError(t, s.UpsertRun(ctx, old.DAG, old, nil))

	fresh := core.NewRun("run-fresh", testDAG(), nil, nil)
	fresh.Status = core.RunRunning
	require.NoError(t, s.UpsertRun(ctx, fresh.DAG, fresh, nil))

	done := core.NewRun("run-done", testDAG(), nil, nil)
	done.Status = core.RunCompleted
	done.CreatedAt = old.CreatedAt
	done.UpdatedAt = old.CreatedAt
	require.NoError(t, s.UpsertRun(ctx, done.DAG, done, nil))

	stale, err := s.StaleRuns(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "run-old", stale[0].ID)
}

func TestApprovalLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	req := &core.ApprovalRequest{
		Token:       "tok-1",
		RunID:       "run-1",
		BlockID:     "review",
		Status:      core.ApprovalPending,
		Prompt:      "ship it?",
		RequestedAt: time.Now().UTC(),
		ContextPreview: map[string]any{
			"prompt": "hello",
		},
	}
	require.NoError(t, s.UpsertApproval(ctx, req))

	got, err := s.LatestPendingApproval(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.Token)
	assert.Equal(t, "ship it?", got.Prompt)
	assert.Equal(t, "hello", got.ContextPreview["prompt"])

	latest, err := s.LatestPendingApprovalAny(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", latest.Token)

	// Decide and verify the pending view empties.
	now := time.Now().UTC()
	req.Status = core.ApprovalRejected
	req.DecidedAt = &now
	req.Feedback = "needs more tests"
	req.Approver = "sam"
	require.NoError(t, s.UpsertApproval(ctx, req))

	_, err = s.LatestPendingApproval(ctx, "run-1")
	assert.ErrorIs(t, err, core.ErrApprovalNotFound)

	byToken, err := s.ApprovalByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, core.ApprovalRejected, byToken.Status)
	assert.Equal(t, "needs more tests", byToken.Feedback)
	assert.Equal(t, "sam", byToken.Approver)
	require.NotNil(t, byToken.DecidedAt)

	_, err = s.ApprovalByToken(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrApprovalNotFound)
}

func TestLatestPendingApprovalPicksNewest(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, tok := range []string{"tok-a", "tok-b", "tok-c"} {
		require.NoError(t, s.UpsertApproval(ctx, &core.ApprovalRequest{
			Token:       tok,
			RunID:       "run-1",
			BlockID:     "review",
			Status:      core.ApprovalPending,
			RequestedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.LatestPendingApproval(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-c", got.Token)
}
