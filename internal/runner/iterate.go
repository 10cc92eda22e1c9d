package runner

import (
	"time"

	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/logger/tag"
)

// applyDecision folds a delivered approval outcome into the run. It reports
// whether the run reached a terminal status: approve resumes the pump, reject
// either fails the run or hands it off to a fresh iteration.
func (r *Runner) applyDecision(out core.ApprovalOutcome) bool {
	req := r.approval
	if req == nil {
		// The pending request was cleared before the executor saw this
		// decision; nothing to apply.
		reply(out, core.ApprovalReply{RunStatus: r.run.Status, Err: core.Coded(core.CodeInvalidState, "no approval pending")})
		return false
	}
	r.approval = nil

	now := time.Now().UTC()
	req.DecidedAt = &now
	req.Approver = out.Approver
	req.Notes = out.Notes

	sm := core.SharedMemoryOf(r.run.Context)

	if out.Approved {
		req.Status = core.ApprovalApproved
		r.run.Context[core.ApprovalMarkerKey(req.BlockID)] = core.Bool(true)
		r.run.Context[core.ApprovedOverrideKey(req.BlockID)] = core.Bool(true)
		sm.Decisions = append(sm.Decisions, core.DecisionRecord{
			BlockID:   req.BlockID,
			Decision:  core.DecisionApprove,
			Notes:     out.Notes,
			DecidedAt: now,
		})
		sm.Store(r.run.Context)
		r.storeApprovalContext(req)

		r.run.Status = core.RunRunning
		r.run.Touch()
		r.recordApproval(req)
		r.emit(core.NewApprovalDecidedEvent(r.run.ID, req.BlockID, req.Token, core.DecisionApprove))
		r.persist()
		logger.Info(r.pctx, "Approval granted", tag.Run(r.run.ID), tag.Block(req.BlockID))
		reply(out, core.ApprovalReply{RunStatus: core.RunRunning})
		return false
	}

	req.Status = core.ApprovalRejected
	req.Feedback = out.Feedback
	req.RestartMode = out.RestartMode
	if out.Feedback != "" {
		sm.FeedbackHistory = append(sm.FeedbackHistory, out.Feedback)
		r.run.Context[core.KeyLatestFeedback] = core.String(out.Feedback)
	}
	sm.Decisions = append(sm.Decisions, core.DecisionRecord{
		BlockID:   req.BlockID,
		Decision:  core.DecisionReject,
		Notes:     out.Notes,
		DecidedAt: now,
	})
	sm.Store(r.run.Context)
	r.storeApprovalContext(req)
	r.recordApproval(req)
	r.emit(core.NewApprovalDecidedEvent(r.run.ID, req.BlockID, req.Token, core.DecisionReject))
	r.persist()
	logger.Info(r.pctx, "Approval rejected", tag.Run(r.run.ID), tag.Block(req.BlockID), "iterate", out.Iterate)

	if !out.Iterate || r.opts.Hooks.StartIteration == nil {
		r.failRejected(req)
		reply(out, core.ApprovalReply{RunStatus: r.run.Status})
		return true
	}

	cycle := sm.Cycle + 1
	if cycle > sm.MaxCycles {
		err := core.Coded(core.CodeMaxCyclesReached, "iteration cycle %d exceeds the budget of %d", cycle, sm.MaxCycles)
		r.failMaxCycles(req, err)
		reply(out, core.ApprovalReply{RunStatus: r.run.Status, Err: err})
		return true
	}

	childReq := r.buildIteration(out, sm, cycle)
	childID, err := r.opts.Hooks.StartIteration(r.pctx, childReq)
	if err != nil {
		r.failIterationAdmission(req, err)
		reply(out, core.ApprovalReply{RunStatus: r.run.Status, Err: err})
		return true
	}

	r.drainInFlight()
	for _, inst := range r.run.Blocks {
		if !inst.Status.Terminal() {
			inst.Status = core.BlockSkipped
			finish(inst)
		}
	}
	r.run.Context[core.KeyLatestIteratedRun] = core.String(childID)
	r.run.Status = core.RunIterated
	r.run.Reason = "rejected, iterated as " + childID
	r.run.Touch()
	r.emit(core.NewRunIteratedEvent(r.run.ID, childID, cycle))
	r.persist()
	logger.Info(r.pctx, "Run iterated", tag.Run(r.run.ID), "iterated_run_id", childID, "cycle", cycle)
	reply(out, core.ApprovalReply{RunStatus: core.RunIterated, IteratedRunID: childID})
	return true
}

// buildIteration assembles the admission request for the follow-up run.
// Refine mode carries the full user context and the rejection feedback; from
// scratch keeps only the original intent. Shared memory crosses over either
// way so cycle counting and decision history survive.
func (r *Runner) buildIteration(out core.ApprovalOutcome, sm core.SharedMemory, cycle int) *core.StartRequest {
	sm.Cycle = cycle
	fromScratch := out.RestartMode == core.RestartFromScratch

	childCtx := make(map[string]any)
	if fromScratch {
		if sm.OriginalIntent != "" {
			childCtx["prompt"] = sm.OriginalIntent
		}
	} else {
		for k, v := range r.run.Context {
			if core.IsReservedKey(k) {
				continue
			}
			childCtx[k] = v.ToAny()
		}
		if out.Feedback != "" {
			childCtx[core.KeyLatestFeedback] = out.Feedback
		}
	}

	if v, err := core.EncodeValue(sm); err == nil {
		childCtx[core.KeySharedMemory] = v.ToAny()
	}
	childCtx[core.KeyIterationParentRun] = r.run.ID
	root := r.run.ID
	if v, ok := r.run.Context.GetString(core.KeyIterationRootRun); ok && v != "" {
		root = v
	}
	childCtx[core.KeyIterationRootRun] = root

	return &core.StartRequest{
		DAG:            r.run.DAG,
		Context:        childCtx,
		Provider:       r.run.Provider,
		DevMode:        r.options.DevMode,
		AgentMapping:   r.options.AgentMapping,
		TimeoutSeconds: r.options.TimeoutSeconds,
		Model:          r.options.Model,
	}
}

// failRejected settles the run after a reject without iteration: the gated
// block fails as cancelled and everything unfinished is skipped.
func (r *Runner) failRejected(req *core.ApprovalRequest) {
	r.drainInFlight()
	if inst := r.run.Block(req.BlockID); inst != nil && !inst.Status.Terminal() {
		fail(inst, attemptOutcome{stage: core.StageCancel, code: core.CodeCancelled, message: "approval rejected"})
		r.emit(core.NewBlockEvent(r.run.ID, core.EventBlockFail, inst))
	}
	r.finishFailed(core.CodeCancelled, ReasonApprovalRejected)
}

func (r *Runner) failMaxCycles(req *core.ApprovalRequest, err error) {
	r.drainInFlight()
	if inst := r.run.Block(req.BlockID); inst != nil && !inst.Status.Terminal() {
		fail(inst, attemptOutcome{stage: core.StageCancel, code: core.CodeMaxCyclesReached, message: err.Error()})
		r.emit(core.NewBlockEvent(r.run.ID, core.EventBlockFail, inst))
	}
	r.finishFailed(core.CodeMaxCyclesReached, ReasonMaxCycles)
}

func (r *Runner) failIterationAdmission(req *core.ApprovalRequest, err error) {
	r.drainInFlight()
	if inst := r.run.Block(req.BlockID); inst != nil && !inst.Status.Terminal() {
		fail(inst, attemptOutcome{stage: core.StageCancel, code: core.CodeInvalidState, message: "iteration admission failed: " + err.Error()})
		r.emit(core.NewBlockEvent(r.run.ID, core.EventBlockFail, inst))
	}
	r.finishFailed(core.CodeInvalidState, "iteration admission failed")
}

// finishFailed skips unfinished blocks and writes the terminal failed state.
func (r *Runner) finishFailed(code core.Code, reason string) {
	for _, inst := range r.run.Blocks {
		if !inst.Status.Terminal() {
			inst.Status = core.BlockSkipped
			finish(inst)
		}
	}
	r.run.Status = core.RunFailed
	r.run.Reason = reason
	r.run.Touch()
	r.emit(core.NewRunFailEvent(r.run.ID, core.RunFailed, code, reason))
	r.persist()
}

// storeApprovalContext mirrors the request's latest state onto the run
// context for replay and inspection.
func (r *Runner) storeApprovalContext(req *core.ApprovalRequest) {
	if v, err := core.EncodeValue(req); err == nil {
		r.run.Context[core.KeyApprovalRequest] = v
	}
}

func reply(out core.ApprovalOutcome, rep core.ApprovalReply) {
	if out.Reply == nil {
		return
	}
	select {
	case out.Reply <- rep:
	default:
	}
}
