package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/logger/tag"
	"github.com/weftlabs/weft/internal/runner"
)

// execute drives one run to a terminal status on its own goroutine and
// settles the bookkeeping afterwards.
func (e *Engine) execute(run *core.Run, g *graph.Graph, ar *activeRun) {
	defer e.wg.Done()

	ctx, span := e.tracer.StartRun(e.baseCtx, run)
	r := runner.New(runner.Options{
		Safety:    e.cfg.Safety,
		Gates:     e.gates,
		Providers: e.providers,
		Hooks:     e.hooks(span),
	}, g, run, ar.sess)

	final := r.Execute(ctx)
	e.finish(final, span, ar.startedAt)
}

// hooks wires the executor's durable side effects. All hooks run on the
// executor goroutine.
func (e *Engine) hooks(span trace.Span) runner.Hooks {
	return runner.Hooks{
		PersistRun: func(ctx context.Context, run *core.Run) {
			if err := e.runStore.UpsertRun(ctx, run.DAG, run, core.BuildTrace(run)); err != nil {
				logger.Error(ctx, "Run snapshot write failed", tag.Run(run.ID), tag.Error(err))
			}
		},
		EmitEvent: func(ctx context.Context, ev *core.Event) {
			// The seq is written back before fan-out so subscribers can
			// dedupe against replay. An unpersisted event is not published:
			// it would carry seq 0 and break that contract.
			seq, err := e.runStore.AppendEvent(ctx, ev)
			if err != nil {
				logger.Error(ctx, "Event append failed",
					tag.Run(ev.RunID), tag.Event(string(ev.Type)), tag.Error(err))
				return
			}
			ev.Seq = seq
			e.metrics.EventEmitted(string(ev.Type))
			e.tracer.RecordEvent(span, ev)
			e.bus.Publish(*ev)
		},
		RecordApproval: func(ctx context.Context, req *core.ApprovalRequest) {
			if err := e.runStore.UpsertApproval(ctx, req); err != nil {
				logger.Error(ctx, "Approval write failed",
					tag.Run(req.RunID), tag.Token(req.Token), tag.Error(err))
			}
		},
		StartIteration: func(ctx context.Context, req *core.StartRequest) (string, error) {
			res, err := e.StartRun(ctx, req)
			if err != nil {
				return "", err
			}
			return res.RunID, nil
		},
	}
}

// finish releases the concurrency slot and settles everything that outlives
// the executor: the trace span, metrics, SSE subscribers, the queue entry
// and the admission pump.
func (e *Engine) finish(run *core.Run, span trace.Span, startedAt time.Time) {
	e.mu.Lock()
	delete(e.active, run.ID)
	e.mu.Unlock()

	e.tracer.EndRun(span, run)
	e.metrics.RunFinished(string(run.Status), time.Since(startedAt))
	e.bus.CloseRun(run.ID)

	// Wrap-up writes survive shutdown; baseCtx may already be cancelled.
	ctx := context.WithoutCancel(e.baseCtx)
	err := e.queueStore.MarkTerminal(ctx, run.ID, queueStatusFor(run.Status), run.Reason)
	if err != nil && !errors.Is(err, core.ErrQueueNotFound) {
		logger.Error(ctx, "Queue entry settle failed", tag.Run(run.ID), tag.Error(err))
	}
	e.pump.Kick()
	e.refreshQueueDepth(ctx)

	logger.Info(ctx, "Run settled",
		tag.Run(run.ID), tag.DAG(run.DAGName), tag.Status(string(run.Status)))
}

// queueStatusFor maps a terminal run status onto its queue entry status.
func queueStatusFor(status core.RunStatus) core.QueueStatus {
	switch status {
	case core.RunCancelled:
		return core.QueueCancelled
	case core.RunFailed:
		return core.QueueFailed
	default:
		return core.QueueCompleted
	}
}
