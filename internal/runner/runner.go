// Package runner executes one run of a compiled pipeline graph. A single
// executor goroutine owns the run state; block dispatches fan out to worker
// goroutines that settle cloned instances and report back over a channel, so
// every state transition, event append, and snapshot write happens in one
// place and in order.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/gate"
	"github.com/weftlabs/weft/internal/gated"
	"github.com/weftlabs/weft/internal/graph"
	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/logger/tag"
	"github.com/weftlabs/weft/internal/provider"
)

// Run cancellation reasons with defined meanings across the API.
const (
	ReasonStallTimeout     = "stall_timeout_exceeded"
	ReasonRunTimeout       = "max_run_duration_exceeded"
	ReasonApprovalRejected = "approval_rejected"
	ReasonMaxCycles        = "max_cycles_reached"
	ReasonShutdown         = "server_shutdown"
)

// stallGraceRearms is how many stall intervals pass with in-flight work but
// no transitions before the watchdog cancels the run.
const stallGraceRearms = 3

// drainGrace bounds how long cancellation waits for in-flight workers to
// settle before writing them off.
const drainGrace = 10 * time.Second

// Hooks connect the executor to the engine's durable side effects. Every hook
// is called on the executor goroutine; implementations must finish their work
// before returning and must not retain the run pointer.
type Hooks struct {
	// PersistRun writes the current run snapshot.
	PersistRun func(ctx context.Context, run *core.Run)
	// EmitEvent appends to the run's event log and fans out to subscribers.
	EmitEvent func(ctx context.Context, ev *core.Event)
	// RecordApproval mirrors an approval request or decision durably.
	RecordApproval func(ctx context.Context, req *core.ApprovalRequest)
	// StartIteration admits a follow-up run for a rejected one and returns
	// its id. Nil disables iteration.
	StartIteration func(ctx context.Context, req *core.StartRequest) (string, error)
}

// Options parameterize a Runner.
type Options struct {
	Safety    config.Safety
	Gates     *gate.Engine
	Providers *provider.Registry
	Hooks     Hooks
}

// Runner drives one run to a terminal status.
type Runner struct {
	opts    Options
	graph   *graph.Graph
	run     *core.Run
	sess    *Session
	blocks  *blockRunner
	options core.RunOptions

	// pctx survives cancellation so wrap-up persistence still lands.
	pctx       context.Context
	execCtx    context.Context
	cancelExec context.CancelFunc

	results  chan *core.BlockInstance
	inFlight map[string]bool
	approval *core.ApprovalRequest
}

// New builds a runner over an already-validated graph and a pending run.
func New(opts Options, g *graph.Graph, run *core.Run, sess *Session) *Runner {
	return &Runner{
		opts:  opts,
		graph: g,
		run:   run,
		sess:  sess,
		blocks: &blockRunner{
			gates:     opts.Gates,
			providers: opts.Providers,
			harness:   gated.New(opts.Gates),
			safety:    opts.Safety,
		},
		options:  core.RunOptionsOf(run.Context),
		results:  make(chan *core.BlockInstance, len(run.Blocks)+1),
		inFlight: make(map[string]bool),
	}
}

// Execute runs the graph to a terminal run status and returns the run. The
// context bounds the whole run; session cancellation and the run duration cap
// both end it early with in-flight blocks drained first.
func (r *Runner) Execute(ctx context.Context) *core.Run {
	ctx = logger.WithValues(ctx, tag.Run(r.run.ID), tag.DAG(r.run.DAGName))
	r.pctx = context.WithoutCancel(ctx)

	execCtx, cancelExec := context.WithTimeout(ctx, r.runDeadline())
	defer cancelExec()
	r.execCtx = execCtx
	r.cancelExec = cancelExec

	r.run.Status = core.RunRunning
	r.run.Touch()
	r.emit(core.NewRunStartEvent(r.run))
	r.persist()
	logger.Info(ctx, "Run started", tag.Count(len(r.run.Blocks)))

	stall := time.NewTimer(r.opts.Safety.StallTimeout)
	defer stall.Stop()
	grace := 0

	for {
		r.pump()

		if len(r.inFlight) == 0 && r.run.AllBlocksTerminal() {
			return r.settle()
		}

		select {
		case inst := <-r.results:
			r.merge(inst)
			rearm(stall, r.opts.Safety.StallTimeout)
			grace = 0

		case out := <-r.sess.approvalCh:
			if terminal := r.applyDecision(out); terminal {
				return r.run
			}
			rearm(stall, r.opts.Safety.StallTimeout)
			grace = 0

		case <-r.sess.Done():
			cancelExec()
			reason := r.sess.CancelReason()
			code := core.CodeCancelled
			if reason == ReasonStallTimeout {
				code = core.CodeStallTimeout
			}
			if reason == "" {
				reason = "cancelled"
			}
			return r.cancelAndDrain(code, reason)

		case <-execCtx.Done():
			code, reason := core.CodeCancelled, "cancelled"
			switch {
			case errors.Is(execCtx.Err(), context.DeadlineExceeded):
				code, reason = core.CodeTimeout, ReasonRunTimeout
			case r.sess.CancelReason() != "":
				reason = r.sess.CancelReason()
				if reason == ReasonStallTimeout {
					code = core.CodeStallTimeout
				}
			case ctx.Err() != nil:
				reason = ReasonShutdown
			}
			return r.cancelAndDrain(code, reason)

		case <-stall.C:
			if len(r.inFlight) == 0 && r.run.Status == core.RunPausedApproval {
				// A human decision is the only thing outstanding; the run
				// duration cap bounds the wait instead.
				stall.Reset(r.opts.Safety.StallTimeout)
				continue
			}
			if grace < stallGraceRearms {
				grace++
				logger.Warn(ctx, "Run stalled, granting grace interval", tag.Count(grace))
				stall.Reset(r.opts.Safety.StallTimeout)
				continue
			}
			cancelExec()
			return r.cancelAndDrain(core.CodeStallTimeout, ReasonStallTimeout)
		}
	}
}

// pump submits every ready block up to the parallelism cap, cascading skips
// over blocks whose upstreams failed. It stops early when a block pauses the
// run for approval.
func (r *Runner) pump() {
	for {
		progressed := r.markDeadBlocks()
		if r.run.Status != core.RunRunning {
			return
		}
		for _, id := range r.graph.ReadyBlocks(r.run) {
			if len(r.inFlight) >= r.maxParallel() {
				break
			}
			paused, settled := r.preflight(id)
			if paused {
				return
			}
			progressed = progressed || settled
		}
		if !progressed {
			return
		}
	}
}

// markDeadBlocks skips pending blocks with a failed or skipped upstream.
// Graph order guarantees upstreams are visited first, so one pass settles
// whole dead subtrees.
func (r *Runner) markDeadBlocks() bool {
	changed := false
	for _, id := range r.graph.ExecutionOrder() {
		inst := r.run.Block(id)
		if inst == nil || inst.Status != core.BlockPending {
			continue
		}
		for _, up := range r.graph.Upstreams(id) {
			upInst := r.run.Block(up)
			if upInst == nil {
				continue
			}
			if upInst.Status == core.BlockFailed || upInst.Status == core.BlockSkipped {
				inst.Status = core.BlockSkipped
				finish(inst)
				changed = true
				break
			}
		}
	}
	if changed {
		r.run.Touch()
		r.persist()
	}
	return changed
}

// preflight takes one ready block through approval, budget, and input
// resolution, then submits it to a worker. It reports whether the run paused
// and whether the block settled without dispatch.
func (r *Runner) preflight(id string) (paused, settled bool) {
	def := r.graph.Block(id)
	inst := r.run.Block(id)

	if def.RequiresApproval() {
		if _, ok := r.run.Context[core.ApprovalMarkerKey(id)]; !ok {
			r.pause(def)
			return true, false
		}
	}

	if max := r.opts.Safety.MaxTokensPerRun; max > 0 && r.run.TokensUsed >= max {
		fail(inst, attemptOutcome{
			stage:   core.StageDispatch,
			code:    core.CodeBudgetExceeded,
			message: fmt.Sprintf("run token budget of %d exhausted before dispatch", max),
		})
		r.run.Touch()
		r.emit(core.NewBlockEvent(r.run.ID, core.EventBlockFail, inst))
		r.persist()
		return false, true
	}

	inputs, err := resolveInputs(r.graph, r.run, def)
	if err != nil {
		fail(inst, attemptOutcome{stage: core.StageInput, code: core.CodeMissingInput, message: err.Error()})
		r.run.Touch()
		r.emit(core.NewBlockEvent(r.run.ID, core.EventBlockFail, inst))
		r.persist()
		return false, true
	}

	now := time.Now().UTC()
	inst.Status = core.BlockRunning
	inst.StartedAt = &now
	inst.InputsResolved = inputs
	r.run.Touch()
	r.emit(core.NewBlockEvent(r.run.ID, core.EventBlockStart, inst))
	r.persist()

	feedback, _ := r.run.Context.GetString(core.KeyLatestFeedback)
	work := &blockWork{
		def:        def,
		inst:       inst.Clone(),
		provider:   r.run.Provider,
		agent:      r.agentFor(def),
		model:      r.options.Model,
		timeout:    r.opts.Safety.ClampBlockTimeout(time.Duration(def.TimeoutMS) * time.Millisecond),
		runContext: r.dispatchContext(),
		feedback:   feedback,
		runTokens:  r.run.TokensUsed,
	}
	r.inFlight[id] = true
	go func() { r.results <- r.blocks.run(r.execCtx, work) }()
	return false, false
}

// merge folds a settled worker instance back into the run and emits its
// terminal block event.
func (r *Runner) merge(inst *core.BlockInstance) {
	delete(r.inFlight, inst.BlockID)
	r.run.Blocks[inst.BlockID] = inst
	r.run.TokensUsed += inst.TokensUsed
	r.run.Touch()

	typ := core.EventBlockComplete
	if inst.Status != core.BlockCompleted {
		typ = core.EventBlockFail
	}
	r.emit(core.NewBlockEvent(r.run.ID, typ, inst))
	r.persist()
}

// settle decides the terminal run status once every block has settled.
func (r *Runner) settle() *core.Run {
	if r.run.AnyBlockFailed() {
		code, reason := core.CodeDispatchFailed, "block failure"
		for _, id := range r.graph.ExecutionOrder() {
			inst := r.run.Block(id)
			if inst != nil && inst.Status == core.BlockFailed && inst.Error != nil {
				code = inst.Error.Code
				reason = fmt.Sprintf("block %s failed: %s", id, inst.Error.Message)
				break
			}
		}
		r.run.Status = core.RunFailed
		r.run.Reason = reason
		r.run.Touch()
		r.emit(core.NewRunFailEvent(r.run.ID, core.RunFailed, code, reason))
		r.persist()
		logger.Warn(r.pctx, "Run failed", tag.Run(r.run.ID), tag.Status(string(code)), "reason", reason)
		return r.run
	}

	r.run.Status = core.RunCompleted
	r.run.Reason = ""
	r.run.Touch()
	r.emit(core.NewRunCompleteEvent(r.run))
	r.persist()
	logger.Info(r.pctx, "Run completed", tag.Run(r.run.ID), tag.Count(len(r.run.Blocks)))
	return r.run
}

// cancelAndDrain ends the run as cancelled: in-flight blocks get the drain
// grace to settle, everything unfinished is skipped, and the terminal event
// carries the code and reason.
func (r *Runner) cancelAndDrain(code core.Code, reason string) *core.Run {
	logger.Info(r.pctx, "Cancelling run", tag.Run(r.run.ID), "reason", reason)
	r.drainInFlight()

	for _, inst := range r.run.Blocks {
		if !inst.Status.Terminal() {
			inst.Status = core.BlockSkipped
			finish(inst)
		}
	}
	if r.approval != nil {
		r.approval = nil
		r.sess.setPending(nil)
	}

	r.run.Status = core.RunCancelled
	r.run.Reason = reason
	r.run.Touch()
	r.emit(core.NewRunFailEvent(r.run.ID, core.RunCancelled, code, reason))
	r.persist()
	return r.run
}

// drainInFlight cancels outstanding workers and waits up to the drain grace
// for them to settle. Workers that never return are failed as cancelled.
func (r *Runner) drainInFlight() {
	if len(r.inFlight) == 0 {
		return
	}
	r.cancelExec()

	deadline := time.NewTimer(drainGrace)
	defer deadline.Stop()
	for len(r.inFlight) > 0 {
		select {
		case inst := <-r.results:
			r.merge(inst)
		case <-deadline.C:
			for id := range r.inFlight {
				inst := r.run.Block(id)
				fail(inst, attemptOutcome{stage: core.StageCancel, code: core.CodeCancelled, message: "worker did not settle before the drain deadline"})
				r.emit(core.NewBlockEvent(r.run.ID, core.EventBlockFail, inst))
				delete(r.inFlight, id)
			}
			r.run.Touch()
			r.persist()
			return
		}
	}
}

// pause parks the run on a pending approval for the given block and mirrors
// the request durably so it survives a restart.
func (r *Runner) pause(def *core.BlockDef) {
	prompt := ""
	if def.Approval != nil {
		prompt = def.Approval.Prompt
	}
	if prompt == "" {
		prompt = fmt.Sprintf("Approve block %q before dispatch?", def.Title())
	}

	req := &core.ApprovalRequest{
		Token:          uuid.NewString(),
		RunID:          r.run.ID,
		BlockID:        def.ID,
		Status:         core.ApprovalPending,
		Prompt:         prompt,
		RequestedAt:    time.Now().UTC(),
		ContextPreview: contextPreview(r.run.Context),
	}
	r.approval = req
	r.sess.setPending(req)

	r.run.Status = core.RunPausedApproval
	if v, err := core.EncodeValue(req); err == nil {
		r.run.Context[core.KeyApprovalRequest] = v
	}
	r.run.Touch()

	r.recordApproval(req)
	r.emit(core.NewApprovalRequestedEvent(r.run.ID, req))
	r.persist()
	logger.Info(r.pctx, "Run paused for approval", tag.Run(r.run.ID), tag.Block(def.ID), tag.Token(req.Token))
}

func (r *Runner) runDeadline() time.Duration {
	d := r.opts.Safety.MaxRunDuration
	if secs := r.options.TimeoutSeconds; secs > 0 {
		if req := time.Duration(secs) * time.Second; req < d {
			d = req
		}
	}
	if d <= 0 {
		d = config.DefaultSafety().MaxRunDuration
	}
	return d
}

func (r *Runner) maxParallel() int {
	if r.opts.Safety.MaxParallel < 1 {
		return 1
	}
	return r.opts.Safety.MaxParallel
}

// agentFor resolves the block's agent selector through the run's mapping.
func (r *Runner) agentFor(def *core.BlockDef) string {
	sel := def.Agent.String()
	if mapped, ok := r.options.AgentMapping[sel]; ok && mapped != "" {
		return mapped
	}
	return sel
}

// dispatchContext snapshots the user-visible context entries for a worker.
func (r *Runner) dispatchContext() map[string]any {
	user := r.run.Context.UserEntries()
	out := make(map[string]any, len(user))
	for k, v := range user {
		out[k] = v.ToAny()
	}
	return out
}

func (r *Runner) persist() {
	if r.opts.Hooks.PersistRun != nil {
		r.opts.Hooks.PersistRun(r.pctx, r.run)
	}
}

func (r *Runner) emit(ev *core.Event) {
	if r.opts.Hooks.EmitEvent != nil {
		r.opts.Hooks.EmitEvent(r.pctx, ev)
	}
}

func (r *Runner) recordApproval(req *core.ApprovalRequest) {
	if r.opts.Hooks.RecordApproval != nil {
		r.opts.Hooks.RecordApproval(r.pctx, req)
	}
}

// contextPreviewLimit bounds each previewed context value.
const contextPreviewLimit = 256

// contextPreview renders the user context entries for an approval request,
// truncating long values.
func contextPreview(c core.Context) map[string]any {
	user := c.UserEntries()
	if len(user) == 0 {
		return nil
	}
	out := make(map[string]any, len(user))
	for k, v := range user {
		out[k] = previewValue(v)
	}
	return out
}

func previewValue(v core.Value) any {
	switch v.Kind() {
	case core.KindString:
		s, _ := v.AsString()
		if len(s) > contextPreviewLimit {
			return s[:contextPreviewLimit] + "..."
		}
		return s
	case core.KindBool, core.KindNumber, core.KindNull:
		return v.ToAny()
	default:
		s := v.JSON()
		if len(s) > contextPreviewLimit {
			return s[:contextPreviewLimit] + "..."
		}
		return s
	}
}

func rearm(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
