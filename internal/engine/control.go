package engine

import (
	"context"
	"errors"
	"time"

	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/logger/tag"
	"github.com/weftlabs/weft/internal/runner"
)

// Stop modes reported to the caller.
const (
	// StopModeActive means a live executor was cancelled cooperatively.
	StopModeActive = "active"
	// StopModeDurable means only the durable state was settled; no executor
	// was listening (queued run, or a row left behind by a dead process).
	StopModeDurable = "durable"
)

// Stop cancels one run. Live runs are cancelled cooperatively and drain
// their in-flight blocks; dead non-terminal rows (including queued runs) are
// settled durably in place.
func (e *Engine) Stop(ctx context.Context, runID, reason string) (string, error) {
	if reason == "" {
		reason = "cancelled by request"
	}

	e.mu.Lock()
	ar, live := e.active[runID]
	e.mu.Unlock()
	if live {
		ar.sess.Cancel(reason)
		logger.Info(ctx, "Run cancellation requested", tag.Run(runID))
		return StopModeActive, nil
	}

	row, err := e.runStore.RunRow(ctx, runID)
	if errors.Is(err, core.ErrRunNotFound) {
		return "", core.Coded(core.CodeNotFound, "run %s not found", runID)
	}
	if err != nil {
		return "", err
	}
	if row.Status.Terminal() {
		return "", core.Coded(core.CodeInvalidState, "run %s already settled as %s", runID, row.Status)
	}

	if err := e.cancelRow(ctx, row, reason); err != nil {
		return "", err
	}
	err = e.queueStore.MarkTerminal(ctx, runID, core.QueueCancelled, reason)
	if err != nil && !errors.Is(err, core.ErrQueueNotFound) {
		logger.Error(ctx, "Queue entry cancel failed", tag.Run(runID), tag.Error(err))
	}
	e.refreshQueueDepth(ctx)
	return StopModeDurable, nil
}

// StopAll cancels every live run and every pending queue entry. It returns
// how many of each it touched.
func (e *Engine) StopAll(ctx context.Context, reason string) (stopped, dequeued int, err error) {
	if reason == "" {
		reason = "stopped by operator"
	}

	e.mu.Lock()
	sessions := make([]*runner.Session, 0, len(e.active))
	for _, ar := range e.active {
		sessions = append(sessions, ar.sess)
	}
	e.mu.Unlock()
	for _, sess := range sessions {
		sess.Cancel(reason)
	}

	// Pending ids are collected before the sweep so their run rows can be
	// settled to match.
	entries, err := e.queueStore.List(ctx)
	if err != nil {
		return len(sessions), 0, err
	}
	var pendingIDs []string
	for _, entry := range entries {
		if entry.Status == core.QueuePending {
			pendingIDs = append(pendingIDs, entry.RunID)
		}
	}

	dequeued, err = e.queueStore.CancelPending(ctx)
	if err != nil {
		return len(sessions), 0, err
	}
	for _, id := range pendingIDs {
		row, err := e.runStore.RunRow(ctx, id)
		if err != nil || row.Status.Terminal() {
			continue
		}
		if err := e.cancelRow(ctx, row, reason); err != nil {
			logger.Error(ctx, "Queued run cancel failed", tag.Run(id), tag.Error(err))
		}
	}
	e.refreshQueueDepth(ctx)

	logger.Info(ctx, "Stop-all executed", tag.Count(len(sessions)))
	return len(sessions), dequeued, nil
}

// cancelRow settles a dead run row as cancelled: every non-terminal block is
// skipped, the snapshot is rewritten and a terminal event is appended.
func (e *Engine) cancelRow(ctx context.Context, row *core.RunRow, reason string) error {
	run := row.Run
	if run == nil {
		return core.Coded(core.CodeInvalidState, "run %s has no snapshot to settle", row.ID)
	}
	run.DAG = row.DAG

	now := time.Now().UTC()
	for _, inst := range run.Blocks {
		if !inst.Status.Terminal() {
			inst.Status = core.BlockSkipped
			inst.FinishedAt = &now
		}
	}
	run.Status = core.RunCancelled
	run.Reason = reason
	run.Touch()

	if err := e.runStore.UpsertRun(ctx, run.DAG, run, core.BuildTrace(run)); err != nil {
		return err
	}
	e.appendAndPublish(ctx, core.NewRunFailEvent(run.ID, core.RunCancelled, core.CodeCancelled, reason))
	e.bus.CloseRun(run.ID)
	logger.Info(ctx, "Run cancelled durably", tag.Run(run.ID), tag.Status(string(run.Status)))
	return nil
}

// appendAndPublish persists one engine-synthesized event and fans it out.
func (e *Engine) appendAndPublish(ctx context.Context, ev *core.Event) {
	seq, err := e.runStore.AppendEvent(ctx, ev)
	if err != nil {
		logger.Error(ctx, "Event append failed",
			tag.Run(ev.RunID), tag.Event(string(ev.Type)), tag.Error(err))
		return
	}
	ev.Seq = seq
	e.metrics.EventEmitted(string(ev.Type))
	e.bus.Publish(*ev)
}

// RunDetail is the full inspection view of one run.
type RunDetail struct {
	Row      *core.RunRow          `json:"row"`
	Approval *core.ApprovalRequest `json:"approval,omitempty"`
	Events   []core.Event          `json:"events,omitempty"`
	Live     bool                  `json:"live"`
}

// RunDetail loads one run with its event log and any pending approval.
func (e *Engine) RunDetail(ctx context.Context, runID string) (*RunDetail, error) {
	row, err := e.runStore.RunRow(ctx, runID)
	if errors.Is(err, core.ErrRunNotFound) {
		return nil, core.Coded(core.CodeNotFound, "run %s not found", runID)
	}
	if err != nil {
		return nil, err
	}

	events, err := e.runStore.EventsSince(ctx, runID, 0)
	if err != nil {
		return nil, err
	}

	detail := &RunDetail{Row: row, Events: events, Live: e.LiveSession(runID) != nil}
	req, err := e.runStore.LatestPendingApproval(ctx, runID)
	switch {
	case err == nil:
		detail.Approval = req
	case !errors.Is(err, core.ErrApprovalNotFound):
		return nil, err
	}
	return detail, nil
}

// ListRuns pages run rows newest first.
func (e *Engine) ListRuns(ctx context.Context, opts ...core.ListRunsOption) ([]*core.RunRow, int, error) {
	return e.runStore.ListRuns(ctx, opts...)
}

// Replay returns a run's events after the given sequence number.
func (e *Engine) Replay(ctx context.Context, runID string, sinceSeq int64) ([]core.Event, error) {
	exists, err := e.runStore.RunExists(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, core.Coded(core.CodeNotFound, "run %s not found", runID)
	}
	return e.runStore.EventsSince(ctx, runID, sinceSeq)
}

// RunStatus reports the durable status of one run.
func (e *Engine) RunStatus(ctx context.Context, runID string) (core.RunStatus, error) {
	row, err := e.runStore.RunRow(ctx, runID)
	if errors.Is(err, core.ErrRunNotFound) {
		return "", core.Coded(core.CodeNotFound, "run %s not found", runID)
	}
	if err != nil {
		return "", err
	}
	return row.Status, nil
}

// QueueEntries lists the admission queue in claim order.
func (e *Engine) QueueEntries(ctx context.Context) ([]*core.QueueEntry, error) {
	return e.queueStore.List(ctx)
}

// UpdateQueueEntry adjusts the priority or manual rank of a pending entry.
func (e *Engine) UpdateQueueEntry(ctx context.Context, runID string, priority, manualRank *int) error {
	err := e.queueStore.Update(ctx, runID, priority, manualRank)
	switch {
	case errors.Is(err, core.ErrQueueNotFound):
		return core.Coded(core.CodeNotFound, "queue entry %s not found", runID)
	case errors.Is(err, core.ErrQueueNotPending):
		return core.Coded(core.CodeInvalidState, "queue entry %s is not pending", runID)
	}
	return err
}

// ReorderQueue assigns manual ranks over the given pending run ids.
func (e *Engine) ReorderQueue(ctx context.Context, runIDs []string) error {
	return e.queueStore.Reorder(ctx, runIDs)
}
