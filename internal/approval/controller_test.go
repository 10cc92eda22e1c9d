package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/gate"
	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/provider"
	"github.com/weftlabs/weft/internal/runner"
)

type fakeRunStore struct {
	core.RunStore

	mu      sync.Mutex
	runs    map[string]bool
	pending map[string]*core.ApprovalRequest
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: map[string]bool{}, pending: map[string]*core.ApprovalRequest{}}
}

func (s *fakeRunStore) record(req *core.ApprovalRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[req.RunID] = true
	if req.Status == core.ApprovalPending {
		cp := *req
		s.pending[req.RunID] = &cp
		return
	}
	delete(s.pending, req.RunID)
}

func (s *fakeRunStore) RunExists(_ context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[runID], nil
}

func (s *fakeRunStore) LatestPendingApproval(_ context.Context, runID string) (*core.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.pending[runID]; ok {
		cp := *req
		return &cp, nil
	}
	return nil, core.ErrApprovalNotFound
}

func (s *fakeRunStore) LatestPendingApprovalAny(_ context.Context) (*core.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.pending {
		cp := *req
		return &cp, nil
	}
	return nil, core.ErrApprovalNotFound
}

type liveTable struct {
	mu       sync.Mutex
	sessions map[string]*runner.Session
}

func newLiveTable() *liveTable {
	return &liveTable{sessions: map[string]*runner.Session{}}
}

func (l *liveTable) put(sess *runner.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[sess.RunID()] = sess
}

func (l *liveTable) LiveSession(runID string) *runner.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions[runID]
}

// pausedFixture drives a two-block run up to its approval gate and hands back
// everything a decision test needs.
type pausedFixture struct {
	ctrl  *Controller
	store *fakeRunStore
	live  *liveTable
	sess  *runner.Session
	runID string
	done  chan *core.Run
}

func newPausedFixture(t *testing.T) *pausedFixture {
	t.Helper()

	dag := &core.DAGDef{
		Name: "writer",
		Blocks: []core.BlockDef{
			{ID: "draft", Inputs: map[string]core.Port{"prompt": {Type: core.PortString, Required: true}}},
			{
				ID:       "review",
				Inputs:   map[string]core.Port{"text": {Type: core.PortString, Required: true}},
				Approval: &core.ApprovalSpec{Required: true, Prompt: "Ship it?"},
			},
		},
		Edges: []core.Edge{{From: "draft", FromPort: "output", To: "review", ToPort: "text"}},
	}
	g, err := graph.Build(dag)
	require.NoError(t, err)

	reg := provider.NewRegistry()
	reg.Register(provider.NewMock("mock"))

	store := newFakeRunStore()
	safety := config.DefaultSafety()
	safety.StallTimeout = time.Second
	safety.MaxRunDuration = 10 * time.Second

	opts := runner.Options{
		Safety:    safety,
		Gates:     gate.New(),
		Providers: reg,
		Hooks: runner.Hooks{
			PersistRun:     func(ctx context.Context, run *core.Run) {},
			EmitEvent:      func(ctx context.Context, ev *core.Event) {},
			RecordApproval: func(ctx context.Context, req *core.ApprovalRequest) { store.record(req) },
			StartIteration: func(ctx context.Context, req *core.StartRequest) (string, error) {
				return "run_child", nil
			},
		},
	}

	run := core.NewRun("run_paused", dag, core.Context{"prompt": core.String("write")}, nil)
	store.runs[run.ID] = true
	sess := runner.NewSession(run.ID)
	live := newLiveTable()
	live.put(sess)

	f := &pausedFixture{
		ctrl:  NewController(store, live),
		store: store,
		live:  live,
		sess:  sess,
		runID: run.ID,
		done:  make(chan *core.Run, 1),
	}
	r := runner.New(opts, g, run, sess)
	go func() { f.done <- r.Execute(context.Background()) }()

	require.Eventually(t, func() bool { return sess.Pending() != nil }, 5*time.Second, 5*time.Millisecond,
		"run did not pause on the approval gate")
	return f
}

func (f *pausedFixture) wait(t *testing.T) *core.Run {
	t.Helper()
	select {
	case run := <-f.done:
		return run
	case <-time.After(5 * time.Second):
		t.Fatal("run did not reach a terminal status")
		return nil
	}
}

func TestDecideApproveResumesRun(t *testing.T) {
	t.Parallel()

	f := newPausedFixture(t)
	res, err := f.ctrl.Decide(context.Background(), f.runID, TokenLatest, core.ApprovalDecision{
		Decision: core.DecisionApprove,
		Approver: "casey",
	})
	require.NoError(t, err)
	assert.Equal(t, core.RunRunning, res.RunStatus)
	assert.Equal(t, core.DecisionApprove, res.Decision)
	assert.Equal(t, "review", res.BlockID)
	assert.Empty(t, res.IteratedRunID)

	run := f.wait(t)
	assert.Equal(t, core.RunCompleted, run.Status)

	_, err = f.store.LatestPendingApproval(context.Background(), f.runID)
	assert.ErrorIs(t, err, core.ErrApprovalNotFound, "decided approval must not stay pending durably")
}

func TestDecideRejectIterates(t *testing.T) {
	t.Parallel()

	f := newPausedFixture(t)
	res, err := f.ctrl.Decide(context.Background(), f.runID, "", core.ApprovalDecision{
		Decision: core.DecisionReject,
		Feedback: "tighten the second stanza",
	})
	require.NoError(t, err)
	assert.Equal(t, core.RunIterated, res.RunStatus)
	assert.Equal(t, "run_child", res.IteratedRunID)

	run := f.wait(t)
	assert.Equal(t, core.RunIterated, run.Status)
}

func TestDecideRequiresMatchingToken(t *testing.T) {
	t.Parallel()

	f := newPausedFixture(t)
	_, err := f.ctrl.Decide(context.Background(), f.runID, "bogus-token", core.ApprovalDecision{
		Decision: core.DecisionApprove,
	})
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidApprovalToken, core.CodeOf(err))

	token := f.sess.Pending().Token
	res, err := f.ctrl.Decide(context.Background(), f.runID, token, core.ApprovalDecision{
		Decision: core.DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, token, res.Token)
	f.wait(t)
}

func TestDecideLatestResolvesPendingRun(t *testing.T) {
	t.Parallel()

	f := newPausedFixture(t)
	res, err := f.ctrl.DecideLatest(context.Background(), core.ApprovalDecision{
		Decision: core.DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, f.runID, res.RunID)
	f.wait(t)
}

func TestSecondDecisionFindsNothingPending(t *testing.T) {
	t.Parallel()

	f := newPausedFixture(t)
	_, err := f.ctrl.Decide(context.Background(), f.runID, "", core.ApprovalDecision{Decision: core.DecisionApprove})
	require.NoError(t, err)
	f.wait(t)

	_, err = f.ctrl.Decide(context.Background(), f.runID, "", core.ApprovalDecision{Decision: core.DecisionApprove})
	require.Error(t, err)
	assert.Equal(t, core.CodeNoPendingApproval, core.CodeOf(err))
}

func TestDecideValidatesInput(t *testing.T) {
	t.Parallel()

	ctrl := NewController(newFakeRunStore(), newLiveTable())

	t.Run("UnknownDecision", func(t *testing.T) {
		t.Parallel()
		_, err := ctrl.Decide(context.Background(), "run_x", "", core.ApprovalDecision{Decision: "maybe"})
		require.Error(t, err)
		assert.Equal(t, core.CodeInvalidInput, core.CodeOf(err))
	})

	t.Run("UnknownRestartMode", func(t *testing.T) {
		t.Parallel()
		_, err := ctrl.Decide(context.Background(), "run_x", "", core.ApprovalDecision{
			Decision:    core.DecisionReject,
			RestartMode: "rewind",
		})
		require.Error(t, err)
		assert.Equal(t, core.CodeInvalidInput, core.CodeOf(err))
	})
}

func TestDecideUnknownRun(t *testing.T) {
	t.Parallel()

	ctrl := NewController(newFakeRunStore(), newLiveTable())
	_, err := ctrl.Decide(context.Background(), "run_missing", "", core.ApprovalDecision{Decision: core.DecisionApprove})
	require.Error(t, err)
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
}

func TestDecideDeadRunWithDurablePending(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore()
	store.record(&core.ApprovalRequest{
		Token:   "tok-dead",
		RunID:   "run_dead",
		BlockID: "review",
		Status:  core.ApprovalPending,
	})
	ctrl := NewController(store, newLiveTable())

	_, err := ctrl.Decide(context.Background(), "run_dead", "tok-dead", core.ApprovalDecision{Decision: core.DecisionApprove})
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidState, core.CodeOf(err))
}

func TestDecideDeadRunWithoutApproval(t *testing.T) {
	t.Parallel()

	store := newFakeRunStore()
	store.runs["run_done"] = true
	ctrl := NewController(store, newLiveTable())

	_, err := ctrl.Decide(context.Background(), "run_done", "", core.ApprovalDecision{Decision: core.DecisionReject})
	require.Error(t, err)
	assert.Equal(t, core.CodeNoPendingApproval, core.CodeOf(err))
}

func TestLatestWithNothingPending(t *testing.T) {
	t.Parallel()

	ctrl := NewController(newFakeRunStore(), newLiveTable())
	_, err := ctrl.Latest(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.CodeNoPendingApproval, core.CodeOf(err))
}
