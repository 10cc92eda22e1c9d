package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/logger/tag"
	"github.com/weftlabs/weft/internal/runner"
)

// QueueInfo describes where an enqueued run sits.
type QueueInfo struct {
	Status   core.QueueStatus `json:"status"`
	Position int              `json:"position"`
	Depth    int              `json:"depth"`
}

// StartResult is the admission outcome: either a launched run or a queued
// one with its position.
type StartResult struct {
	RunID   string
	DAGName string
	DAG     *core.DAGDef
	Queued  bool
	Queue   *QueueInfo
}

// prepared is a validated start request, ready to launch or enqueue.
type prepared struct {
	id     string
	dag    *core.DAGDef
	graph  *graph.Graph
	runCtx core.Context
	req    *core.StartRequest
}

// StartRun validates the request and either launches the run or, when every
// concurrency slot is taken, enqueues it durably. Queue-full is rejected
// with CONCURRENCY_LIMIT.
func (e *Engine) StartRun(ctx context.Context, req *core.StartRequest) (*StartResult, error) {
	prep, err := e.prepare(req)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, core.Coded(core.CodeInvalidState, "engine is shutting down")
	}
	if len(e.active) >= e.cfg.Safety.MaxConcurrentRuns {
		e.mu.Unlock()
		return e.enqueue(ctx, prep)
	}
	return e.launchLocked(prep)
}

// StartQueued admits a run the pump claimed from the queue. It skips the
// concurrency gate (the pump checked capacity before claiming) and reuses
// the id the run was enqueued under. Starting an already-live id is a no-op
// so lease-expiry re-claims stay harmless.
func (e *Engine) StartQueued(ctx context.Context, req *core.StartRequest) error {
	if req.RunID == "" {
		return fmt.Errorf("queued start without a run id")
	}
	prep, err := e.prepare(req)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return core.Coded(core.CodeInvalidState, "engine is shutting down")
	}
	if _, live := e.active[prep.id]; live {
		e.mu.Unlock()
		return nil
	}
	_, err = e.launchLocked(prep)
	return err
}

// prepare resolves the DAG (inline or example), validates it and assigns the
// run id. Example context values merge under the request's own.
func (e *Engine) prepare(req *core.StartRequest) (*prepared, error) {
	var dag *core.DAGDef
	runCtx := req.RunContext()

	switch {
	case req.DAG != nil && req.Example != "":
		return nil, core.Coded(core.CodeInvalidInput, "request carries both a dag and an example name")
	case req.DAG != nil:
		dag = req.DAG
	case req.Example != "":
		ex, err := e.examples.Get(req.Example)
		if err != nil {
			return nil, err
		}
		dag = ex.DAG
		merged := ex.Context.Clone()
		for k, v := range runCtx {
			merged[k] = v
		}
		runCtx = merged
	default:
		return nil, core.Coded(core.CodeInvalidInput, "request must carry a dag or an example name")
	}

	g, err := graph.Build(dag)
	if err != nil {
		return nil, core.WrapCoded(core.CodeInvalidInput, err)
	}

	if req.Provider != "" {
		if _, err := e.providers.Get(req.Provider); err != nil {
			return nil, core.Coded(core.CodeInvalidInput, "unknown provider %q", req.Provider).
				WithDetail("available", e.providers.Names())
		}
	}

	id := req.RunID
	if id == "" {
		id = newRunID()
	}
	return &prepared{id: id, dag: dag, graph: g, runCtx: runCtx, req: req}, nil
}

// launchLocked reserves a slot, persists the pending snapshot and starts the
// executor goroutine. The caller holds e.mu; launchLocked releases it.
func (e *Engine) launchLocked(prep *prepared) (*StartResult, error) {
	run := e.newRun(prep)
	sess := runner.NewSession(run.ID)
	ar := &activeRun{sess: sess, startedAt: time.Now()}
	e.active[run.ID] = ar
	// Counted under the lock so Shutdown cannot start waiting between the
	// slot reservation and the goroutine launch.
	e.wg.Add(1)
	e.mu.Unlock()

	// The pending snapshot lands before the executor exists, so the run is
	// readable the moment the caller holds its id.
	pctx := context.WithoutCancel(e.baseCtx)
	if err := e.runStore.UpsertRun(pctx, run.DAG, run, core.BuildTrace(run)); err != nil {
		e.mu.Lock()
		delete(e.active, run.ID)
		e.mu.Unlock()
		e.wg.Done()
		return nil, fmt.Errorf("persist pending run %s: %w", run.ID, err)
	}

	e.metrics.RunStarted()
	go e.execute(run, prep.graph, ar)

	logger.Info(e.baseCtx, "Run admitted", tag.Run(run.ID), tag.DAG(run.DAGName))
	return &StartResult{RunID: run.ID, DAGName: run.DAGName, DAG: prep.dag}, nil
}

// enqueue persists the pending run row and its queue entry, then reports the
// admission position. e.mu is not held.
func (e *Engine) enqueue(ctx context.Context, prep *prepared) (*StartResult, error) {
	depth, err := e.queueStore.PendingCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	if depth >= e.cfg.Safety.MaxQueueDepth {
		return nil, core.Coded(core.CodeConcurrencyLimit, "run queue is full").
			WithDetail("depth", depth).
			WithDetail("max_queue_depth", e.cfg.Safety.MaxQueueDepth)
	}

	// The run row exists before the queue entry so the run is readable while
	// it waits.
	run := e.newRun(prep)
	if err := e.runStore.UpsertRun(ctx, run.DAG, run, core.BuildTrace(run)); err != nil {
		return nil, fmt.Errorf("persist queued run %s: %w", run.ID, err)
	}

	prep.req.RunID = run.ID
	payload, err := json.Marshal(prep.req)
	if err != nil {
		return nil, fmt.Errorf("encode queue payload: %w", err)
	}
	entry := &core.QueueEntry{
		RunID:      run.ID,
		Priority:   prep.req.PriorityValue(),
		ManualRank: prep.req.ManualRank,
		Payload:    payload,
	}
	if err := e.queueStore.Enqueue(ctx, entry); err != nil {
		if errors.Is(err, core.ErrQueueEntryExists) {
			return nil, core.Coded(core.CodeInvalidState, "run %s is already queued", run.ID)
		}
		return nil, err
	}

	pos, err := e.queueStore.Position(ctx, run.ID)
	if err != nil {
		pos = depth + 1
	}
	e.refreshQueueDepth(ctx)
	e.pump.Kick()

	logger.Info(ctx, "Run enqueued", tag.Run(run.ID), tag.DAG(run.DAGName), tag.Count(pos))
	return &StartResult{
		RunID:   run.ID,
		DAGName: run.DAGName,
		DAG:     prep.dag,
		Queued:  true,
		Queue:   &QueueInfo{Status: core.QueuePending, Position: pos, Depth: depth + 1},
	}, nil
}

// newRun materializes the run with clamped per-block caps, stored options
// and seeded shared memory.
func (e *Engine) newRun(prep *prepared) *core.Run {
	run := core.NewRun(prep.id, prep.dag, prep.runCtx, func(b *core.BlockDef) int {
		e.cfg.Safety.ClampBlock(b)
		return b.Retry.MaxAttempts
	})
	run.Provider = prep.req.Provider
	if run.Provider == "" && prep.req.DevMode {
		run.Provider = "echo"
	}

	opts := core.RunOptions{
		Provider:       prep.req.Provider,
		DevMode:        prep.req.DevMode,
		AgentMapping:   prep.req.AgentMapping,
		TimeoutSeconds: prep.req.TimeoutSeconds,
		Model:          prep.req.Model,
	}
	opts.Store(run.Context)

	sm := core.SharedMemoryOf(run.Context)
	if sm.OriginalIntent == "" {
		if prompt, ok := run.Context.GetString("prompt"); ok {
			sm.OriginalIntent = prompt
		}
	}
	sm.Store(run.Context)
	return run
}

func newRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}
