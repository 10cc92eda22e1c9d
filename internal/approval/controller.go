// Package approval validates human decisions and delivers them to the
// executor goroutine waiting on a paused run.
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/logger/tag"
	"github.com/weftlabs/weft/internal/runner"
)

// TokenLatest addresses whatever approval is currently pending instead of a
// specific token.
const TokenLatest = "latest"

// Decisions settle quickly; iteration hand-offs can drain in-flight work
// first, so the reply wait covers the drain grace with room to spare.
const defaultReplyWait = 30 * time.Second

// Sessions resolves the live session of a run. Only live runs accept
// decisions; durable approvals of dead runs are reported, never resumed.
type Sessions interface {
	LiveSession(runID string) *runner.Session
}

// Controller is the decision path shared by the per-run and latest approval
// endpoints.
type Controller struct {
	store     core.RunStore
	sessions  Sessions
	replyWait time.Duration
}

// NewController builds a controller over the registry and the live session
// table.
func NewController(store core.RunStore, sessions Sessions) *Controller {
	return &Controller{store: store, sessions: sessions, replyWait: defaultReplyWait}
}

// Result is the synchronous answer to a delivered decision.
type Result struct {
	RunID         string         `json:"run_id"`
	BlockID       string         `json:"block_id"`
	Token         string         `json:"token"`
	Decision      string         `json:"decision"`
	RunStatus     core.RunStatus `json:"run_status"`
	IteratedRunID string         `json:"iterated_run_id,omitempty"`
}

// Latest returns the newest pending approval across all runs.
func (c *Controller) Latest(ctx context.Context) (*core.ApprovalRequest, error) {
	req, err := c.store.LatestPendingApprovalAny(ctx)
	if errors.Is(err, core.ErrApprovalNotFound) {
		return nil, core.Coded(core.CodeNoPendingApproval, "no approval is pending")
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// DecideLatest resolves the newest pending approval anywhere and applies the
// decision to it.
func (c *Controller) DecideLatest(ctx context.Context, d core.ApprovalDecision) (*Result, error) {
	req, err := c.Latest(ctx)
	if err != nil {
		return nil, err
	}
	return c.Decide(ctx, req.RunID, req.Token, d)
}

// Decide validates one decision and hands it to the run's executor. The token
// may be empty or TokenLatest to address whatever is pending on the run; a
// concrete token must match exactly.
func (c *Controller) Decide(ctx context.Context, runID, token string, d core.ApprovalDecision) (*Result, error) {
	if err := validateDecision(d); err != nil {
		return nil, err
	}

	sess := c.sessions.LiveSession(runID)
	if sess == nil {
		return nil, c.deadRunFailure(ctx, runID)
	}
	pending := sess.Pending()
	if pending == nil {
		return nil, core.Coded(core.CodeNoPendingApproval, "run %s has no pending approval", runID)
	}
	if token != "" && token != TokenLatest && token != pending.Token {
		return nil, core.Coded(core.CodeInvalidApprovalToken, "approval token does not match the pending request")
	}

	out := core.ApprovalOutcome{
		Token:       pending.Token,
		Approved:    d.Decision == core.DecisionApprove,
		Feedback:    d.Feedback,
		Notes:       d.Notes,
		Approver:    d.Approver,
		RestartMode: d.RestartMode,
		Iterate:     d.WantsIteration(),
		Reply:       make(chan core.ApprovalReply, 1),
	}
	if out.RestartMode == "" {
		out.RestartMode = core.RestartRefine
	}

	if !sess.Deliver(out) {
		return nil, core.Coded(core.CodeNoPendingApproval, "approval %s was already decided", pending.Token)
	}
	logger.Info(ctx, "Approval decision delivered",
		tag.Run(runID), tag.Block(pending.BlockID), tag.Token(pending.Token), "decision", d.Decision)

	timer := time.NewTimer(c.replyWait)
	defer timer.Stop()
	select {
	case rep := <-out.Reply:
		if rep.Err != nil {
			return nil, rep.Err
		}
		return &Result{
			RunID:         runID,
			BlockID:       pending.BlockID,
			Token:         pending.Token,
			Decision:      d.Decision,
			RunStatus:     rep.RunStatus,
			IteratedRunID: rep.IteratedRunID,
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		// The executor settled through another path (cancel, stall) without
		// reading the delivered outcome.
		return nil, core.Coded(core.CodeInvalidState, "run %s settled before the decision was applied", runID)
	}
}

func validateDecision(d core.ApprovalDecision) error {
	switch d.Decision {
	case core.DecisionApprove, core.DecisionReject:
	default:
		return core.Coded(core.CodeInvalidInput, "decision must be %q or %q", core.DecisionApprove, core.DecisionReject).
			WithDetail("decision", d.Decision)
	}
	if !d.RestartMode.Valid() {
		return core.Coded(core.CodeInvalidInput, "unknown restart mode %q", d.RestartMode)
	}
	return nil
}

// deadRunFailure distinguishes a missing run from a run that persisted a
// pending approval and then stopped being live (crash, orphan sweep).
func (c *Controller) deadRunFailure(ctx context.Context, runID string) error {
	exists, err := c.store.RunExists(ctx, runID)
	if err != nil {
		return err
	}
	if !exists {
		return core.Coded(core.CodeNotFound, "run %s not found", runID)
	}
	if _, err := c.store.LatestPendingApproval(ctx, runID); err == nil {
		return core.Coded(core.CodeInvalidState, "run %s is no longer live; its pending approval cannot be decided", runID)
	} else if !errors.Is(err, core.ErrApprovalNotFound) {
		return err
	}
	return core.Coded(core.CodeNoPendingApproval, "run %s has no pending approval", runID)
}
