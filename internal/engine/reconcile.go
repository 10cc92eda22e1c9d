package engine

import (
	"context"
	"errors"
	"time"

	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/logger/tag"
)

// reconcileOrphans settles runs whose executor died without a trace: rows
// still non-terminal, untouched past the orphan timeout and with no live
// session in this process. Runs waiting in the queue are left alone; the
// pump owns them. The sweep is idempotent, settled rows stop being stale.
func (e *Engine) reconcileOrphans(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-e.cfg.Safety.OrphanTimeout)
	rows, err := e.runStore.StaleRuns(ctx, cutoff)
	if err != nil {
		logger.Error(ctx, "Orphan sweep query failed", tag.Error(err))
		return
	}

	for _, row := range rows {
		if e.LiveSession(row.ID) != nil {
			continue
		}
		if entry, err := e.queueStore.Entry(ctx, row.ID); err == nil {
			switch entry.Status {
			case core.QueuePending, core.QueueClaimed:
				// Awaiting admission; the pump or a lease expiry gets it.
				continue
			}
		}
		e.orphanRun(ctx, row)
	}
}

// orphanRun marks one crashed run failed: running blocks fail with
// ORPHANED_RUN, the snapshot is rewritten and a terminal event lands in the
// log.
func (e *Engine) orphanRun(ctx context.Context, row *core.RunRow) {
	run := row.Run
	if run == nil || run.Terminal() {
		return
	}
	run.DAG = row.DAG

	now := time.Now().UTC()
	for _, inst := range run.Blocks {
		switch inst.Status {
		case core.BlockRunning, core.BlockRetrying:
			inst.Status = core.BlockFailed
			inst.Error = &core.ErrorInfo{
				Stage:   core.StageCancel,
				Code:    core.CodeOrphanedRun,
				Message: "executor lost before the block settled",
			}
			inst.FinishedAt = &now
		}
	}
	run.Status = core.RunFailed
	run.Reason = "orphaned_run"
	run.Touch()

	if err := e.runStore.UpsertRun(ctx, run.DAG, run, core.BuildTrace(run)); err != nil {
		logger.Error(ctx, "Orphan snapshot write failed", tag.Run(run.ID), tag.Error(err))
		return
	}
	e.appendAndPublish(ctx, core.NewRunFailEvent(run.ID, core.RunFailed, core.CodeOrphanedRun, "orphaned_run"))
	e.bus.CloseRun(run.ID)

	err := e.queueStore.MarkTerminal(ctx, run.ID, core.QueueFailed, "orphaned_run")
	if err != nil && !errors.Is(err, core.ErrQueueNotFound) {
		logger.Error(ctx, "Orphan queue settle failed", tag.Run(run.ID), tag.Error(err))
	}

	logger.Warn(ctx, "Orphaned run reconciled",
		tag.Run(run.ID), tag.DAG(run.DAGName), tag.Status(string(core.RunFailed)))
}
