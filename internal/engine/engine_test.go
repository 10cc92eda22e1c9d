package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/approval"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/eventbus"
	"github.com/weftlabs/weft/internal/examples"
	"github.com/weftlabs/weft/internal/gate"
	"github.com/weftlabs/weft/internal/provider"
	"github.com/weftlabs/weft/internal/store"
)

const waitFor = 5 * time.Second

// stallProvider blocks every dispatch until released, so tests can hold a
// concurrency slot open deterministically.
type stallProvider struct {
	started chan string
	release chan struct{}
}

func newStallProvider() *stallProvider {
	return &stallProvider{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (p *stallProvider) Name() string { return "stall" }

func (p *stallProvider) Dispatch(ctx context.Context, req *provider.DispatchRequest) (*provider.DispatchResult, error) {
	select {
	case p.started <- req.Title:
	default:
	}
	select {
	case <-p.release:
		return &provider.DispatchResult{Success: true, Output: "done", ActualProvider: "stall"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fixture struct {
	engine *Engine
	store  *store.Store
	stall  *stallProvider
	safety config.Safety
}

func newFixture(t *testing.T, mutate func(*config.Safety)) *fixture {
	t.Helper()

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "weft.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	safety := config.DefaultSafety()
	safety.StallTimeout = 2 * time.Second
	safety.MaxRunDuration = 30 * time.Second
	safety.QueueLease = 100 * time.Millisecond
	if mutate != nil {
		mutate(&safety)
	}
	cfg := config.Config{Safety: safety}

	stall := newStallProvider()
	reg := provider.NewRegistry()
	reg.Register(provider.NewMock("mock"))
	reg.Register(stall)
	reg.Register(provider.Echo{})

	registry, err := examples.Load("")
	require.NoError(t, err)

	eng := New(Params{
		Config:    cfg,
		Runs:      s,
		Queue:     s,
		Bus:       eventbus.New(),
		Gates:     gate.New(gate.WithReviewLookup(reg.Review)),
		Providers: reg,
		Examples:  registry,
	})
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = eng.Shutdown(shutdownCtx)
	})

	return &fixture{engine: eng, store: s, stall: stall, safety: safety}
}

func pairDAG() *core.DAGDef {
	return &core.DAGDef{
		Name: "pair",
		Blocks: []core.BlockDef{
			{ID: "draft", Inputs: map[string]core.Port{"prompt": {Type: core.PortString, Required: true}}},
			{ID: "polish", Inputs: map[string]core.Port{"text": {Type: core.PortString, Required: true}}},
		},
		Edges: []core.Edge{{From: "draft", FromPort: "output", To: "polish", ToPort: "text"}},
	}
}

func startRequest(dag *core.DAGDef) *core.StartRequest {
	return &core.StartRequest{
		DAG:      dag,
		Context:  map[string]any{"prompt": "write a haiku"},
		Provider: "mock",
	}
}

func waitForStatus(t *testing.T, f *fixture, runID string, want core.RunStatus) *core.RunRow {
	t.Helper()
	var row *core.RunRow
	require.Eventually(t, func() bool {
		r, err := f.store.RunRow(context.Background(), runID)
		if err != nil {
			return false
		}
		row = r
		return r.Status == want
	}, waitFor, 10*time.Millisecond, "run %s never reached %s", runID, want)
	return row
}

func eventTypes(events []core.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, string(ev.Type))
	}
	return out
}

func TestStartRunCompletesInlineDAG(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	res, err := f.engine.StartRun(context.Background(), startRequest(pairDAG()))
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Equal(t, "pair", res.DAGName)
	require.NotEmpty(t, res.RunID)

	row := waitForStatus(t, f, res.RunID, core.RunCompleted)
	assert.Equal(t, core.BlockCompleted, row.Run.Blocks["draft"].Status)
	assert.Equal(t, core.BlockCompleted, row.Run.Blocks["polish"].Status)

	events, err := f.engine.Replay(context.Background(), res.RunID, 0)
	require.NoError(t, err)
	types := eventTypes(events)
	assert.Equal(t, "run:start", types[0])
	assert.Equal(t, "run:complete", types[len(types)-1])
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestStartRunFromExample(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	res, err := f.engine.StartRun(context.Background(), &core.StartRequest{
		Example:  "haiku",
		Provider: "mock",
	})
	require.NoError(t, err)
	assert.Equal(t, "haiku", res.DAGName)

	waitForStatus(t, f, res.RunID, core.RunCompleted)
}

func TestStartRunValidatesRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	t.Run("NeitherDAGNorExample", func(t *testing.T) {
		_, err := f.engine.StartRun(ctx, &core.StartRequest{})
		assert.Equal(t, core.CodeInvalidInput, core.CodeOf(err))
	})

	t.Run("BothDAGAndExample", func(t *testing.T) {
		_, err := f.engine.StartRun(ctx, &core.StartRequest{DAG: pairDAG(), Example: "haiku"})
		assert.Equal(t, core.CodeInvalidInput, core.CodeOf(err))
	})

	t.Run("UnknownExample", func(t *testing.T) {
		_, err := f.engine.StartRun(ctx, &core.StartRequest{Example: "nope"})
		assert.Equal(t, core.CodeExampleNotFound, core.CodeOf(err))
	})

	t.Run("UnknownProvider", func(t *testing.T) {
		req := startRequest(pairDAG())
		req.Provider = "missing"
		_, err := f.engine.StartRun(ctx, req)
		assert.Equal(t, core.CodeInvalidInput, core.CodeOf(err))
	})

	t.Run("CyclicDAG", func(t *testing.T) {
		dag := &core.DAGDef{
			Name: "loop",
			Blocks: []core.BlockDef{
				{ID: "a", Inputs: map[string]core.Port{"in": {Type: core.PortString}}},
				{ID: "b", Inputs: map[string]core.Port{"in": {Type: core.PortString}}},
			},
			Edges: []core.Edge{
				{From: "a", FromPort: "output", To: "b", ToPort: "in"},
				{From: "b", FromPort: "output", To: "a", ToPort: "in"},
			},
		}
		_, err := f.engine.StartRun(ctx, &core.StartRequest{DAG: dag})
		assert.Equal(t, core.CodeInvalidInput, core.CodeOf(err))
	})
}

func TestConcurrencyGateQueuesSecondRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(s *config.Safety) { s.MaxConcurrentRuns = 1 })
	ctx := context.Background()

	holder := startRequest(pairDAG())
	holder.Provider = "stall"
	first, err := f.engine.StartRun(ctx, holder)
	require.NoError(t, err)
	assert.False(t, first.Queued)

	// Wait until the first run occupies its slot.
	select {
	case <-f.stall.started:
	case <-time.After(waitFor):
		t.Fatal("first run never dispatched")
	}

	second, err := f.engine.StartRun(ctx, startRequest(pairDAG()))
	require.NoError(t, err)
	assert.True(t, second.Queued)
	require.NotNil(t, second.Queue)
	assert.Equal(t, core.QueuePending, second.Queue.Status)
	assert.Equal(t, 1, second.Queue.Position)

	// The queued run is readable while it waits.
	detail, err := f.engine.RunDetail(ctx, second.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.RunPending, detail.Row.Status)
	assert.False(t, detail.Live)

	// Releasing the first run frees the slot; the pump admits the second.
	close(f.stall.release)
	waitForStatus(t, f, first.RunID, core.RunCompleted)
	waitForStatus(t, f, second.RunID, core.RunCompleted)

	entry, err := f.store.Entry(ctx, second.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.QueueCompleted, entry.Status)
}

func TestQueueFullRejectsWithConcurrencyLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(s *config.Safety) {
		s.MaxConcurrentRuns = 1
		s.MaxQueueDepth = 1
	})
	ctx := context.Background()

	holder := startRequest(pairDAG())
	holder.Provider = "stall"
	_, err := f.engine.StartRun(ctx, holder)
	require.NoError(t, err)
	select {
	case <-f.stall.started:
	case <-time.After(waitFor):
		t.Fatal("holder never dispatched")
	}

	queued, err := f.engine.StartRun(ctx, startRequest(pairDAG()))
	require.NoError(t, err)
	assert.True(t, queued.Queued)

	_, err = f.engine.StartRun(ctx, startRequest(pairDAG()))
	assert.Equal(t, core.CodeConcurrencyLimit, core.CodeOf(err))

	close(f.stall.release)
}

func TestStopActiveRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	req := startRequest(pairDAG())
	req.Provider = "stall"
	res, err := f.engine.StartRun(ctx, req)
	require.NoError(t, err)
	select {
	case <-f.stall.started:
	case <-time.After(waitFor):
		t.Fatal("run never dispatched")
	}

	mode, err := f.engine.Stop(ctx, res.RunID, "operator said so")
	require.NoError(t, err)
	assert.Equal(t, StopModeActive, mode)

	row := waitForStatus(t, f, res.RunID, core.RunCancelled)
	assert.Equal(t, "operator said so", row.Run.Reason)
	assert.Eventually(t, func() bool { return f.engine.ActiveRuns() == 0 },
		waitFor, 10*time.Millisecond)
}

func TestStopQueuedRunSettlesDurably(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(s *config.Safety) { s.MaxConcurrentRuns = 1 })
	ctx := context.Background()

	holder := startRequest(pairDAG())
	holder.Provider = "stall"
	_, err := f.engine.StartRun(ctx, holder)
	require.NoError(t, err)
	select {
	case <-f.stall.started:
	case <-time.After(waitFor):
		t.Fatal("holder never dispatched")
	}

	queued, err := f.engine.StartRun(ctx, startRequest(pairDAG()))
	require.NoError(t, err)
	require.True(t, queued.Queued)

	mode, err := f.engine.Stop(ctx, queued.RunID, "")
	require.NoError(t, err)
	assert.Equal(t, StopModeDurable, mode)

	row, err := f.store.RunRow(ctx, queued.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCancelled, row.Status)

	entry, err := f.store.Entry(ctx, queued.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.QueueCancelled, entry.Status)

	events, err := f.store.EventsSince(ctx, queued.RunID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, core.EventRunFail, events[len(events)-1].Type)

	// A second stop finds the run already settled.
	_, err = f.engine.Stop(ctx, queued.RunID, "")
	assert.Equal(t, core.CodeInvalidState, core.CodeOf(err))

	close(f.stall.release)
}

func TestStopUnknownRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, err := f.engine.Stop(context.Background(), "missing", "")
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
}

func TestStopAllCancelsLiveAndQueued(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(s *config.Safety) { s.MaxConcurrentRuns = 1 })
	ctx := context.Background()

	holder := startRequest(pairDAG())
	holder.Provider = "stall"
	live, err := f.engine.StartRun(ctx, holder)
	require.NoError(t, err)
	select {
	case <-f.stall.started:
	case <-time.After(waitFor):
		t.Fatal("holder never dispatched")
	}

	queued, err := f.engine.StartRun(ctx, startRequest(pairDAG()))
	require.NoError(t, err)
	require.True(t, queued.Queued)

	stopped, dequeued, err := f.engine.StopAll(ctx, "maintenance window")
	require.NoError(t, err)
	assert.Equal(t, 1, stopped)
	assert.Equal(t, 1, dequeued)

	waitForStatus(t, f, live.RunID, core.RunCancelled)
	row, err := f.store.RunRow(ctx, queued.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCancelled, row.Status)

	pending, err := f.store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestStartQueuedIsIdempotentForLiveRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	req := startRequest(pairDAG())
	req.Provider = "stall"
	res, err := f.engine.StartRun(ctx, req)
	require.NoError(t, err)
	select {
	case <-f.stall.started:
	case <-time.After(waitFor):
		t.Fatal("run never dispatched")
	}

	dup := startRequest(pairDAG())
	dup.RunID = res.RunID
	require.NoError(t, f.engine.StartQueued(ctx, dup))
	assert.Equal(t, 1, f.engine.ActiveRuns())

	close(f.stall.release)
	waitForStatus(t, f, res.RunID, core.RunCompleted)
}

func TestReplayUnknownRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, err := f.engine.Replay(context.Background(), "missing", 0)
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
}

func TestReconcileOrphansAtStartup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dbFile := filepath.Join(dir, "weft.db")

	// A previous process left a running run behind.
	seed, err := store.Open(context.Background(), dbFile)
	require.NoError(t, err)
	run := core.NewRun("run-lost", pairDAG(), core.Context{"prompt": core.String("hi")}, nil)
	run.Status = core.RunRunning
	run.Blocks["draft"].Status = core.BlockRunning
	stale := time.Now().UTC().Add(-time.Hour)
	run.CreatedAt = stale
	run.UpdatedAt = stale
	require.NoError(t, seed.UpsertRun(context.Background(), run.DAG, run, nil))
	require.NoError(t, seed.Close())

	s, err := store.Open(context.Background(), dbFile)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	reg := provider.NewRegistry()
	reg.Register(provider.NewMock("mock"))
	registry, err := examples.Load("")
	require.NoError(t, err)

	eng := New(Params{
		Config:    config.Config{Safety: config.DefaultSafety()},
		Runs:      s,
		Queue:     s,
		Bus:       eventbus.New(),
		Gates:     gate.New(),
		Providers: reg,
		Examples:  registry,
	})
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	row, err := s.RunRow(context.Background(), "run-lost")
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, row.Status)
	assert.Equal(t, "orphaned_run", row.Run.Reason)
	assert.Equal(t, core.BlockFailed, row.Run.Blocks["draft"].Status)
	require.NotNil(t, row.Run.Blocks["draft"].Error)
	assert.Equal(t, core.CodeOrphanedRun, row.Run.Blocks["draft"].Error.Code)
	// Untouched blocks stay pending.
	assert.Equal(t, core.BlockPending, row.Run.Blocks["polish"].Status)

	events, err := s.EventsSince(context.Background(), "run-lost", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventRunFail, events[0].Type)

	// A second sweep is a no-op: settled rows are no longer stale.
	eng.reconcileOrphans(context.Background())
	events, err = s.EventsSince(context.Background(), "run-lost", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRejectDecisionAdmitsIteration(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	dag := pairDAG()
	dag.Blocks[1].Approval = &core.ApprovalSpec{Required: true, Prompt: "Ship it?"}

	res, err := f.engine.StartRun(ctx, startRequest(dag))
	require.NoError(t, err)
	waitForStatus(t, f, res.RunID, core.RunPausedApproval)

	ctrl := approval.NewController(f.store, f.engine)
	decided, err := ctrl.Decide(ctx, res.RunID, approval.TokenLatest, core.ApprovalDecision{
		Decision: core.DecisionReject,
		Feedback: "tighten the second stanza",
	})
	require.NoError(t, err)
	assert.Equal(t, core.RunIterated, decided.RunStatus)
	require.NotEmpty(t, decided.IteratedRunID)

	waitForStatus(t, f, res.RunID, core.RunIterated)
	waitForStatus(t, f, decided.IteratedRunID, core.RunCompleted)

	child, err := f.store.RunRow(ctx, decided.IteratedRunID)
	require.NoError(t, err)
	parent, ok := child.Run.Context.GetString(core.KeyIterationParentRun)
	require.True(t, ok)
	assert.Equal(t, res.RunID, parent)
}

func TestShutdownCancelsLiveRunsAndRejectsNewOnes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	req := startRequest(pairDAG())
	req.Provider = "stall"
	res, err := f.engine.StartRun(ctx, req)
	require.NoError(t, err)
	select {
	case <-f.stall.started:
	case <-time.After(waitFor):
		t.Fatal("run never dispatched")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, f.engine.Shutdown(shutdownCtx))

	row, err := f.store.RunRow(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.RunCancelled, row.Status)

	_, err = f.engine.StartRun(ctx, startRequest(pairDAG()))
	assert.Equal(t, core.CodeInvalidState, core.CodeOf(err))
}
