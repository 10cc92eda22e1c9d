package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/weftlabs/weft/internal/backoff"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/core"
	"github.com/weftlabs/weft/internal/gate"
	"github.com/weftlabs/weft/internal/gated"
	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/logger/tag"
	"github.com/weftlabs/weft/internal/provider"
)

// blockWork is everything a worker needs to settle one block. The instance is
// a clone owned by the worker until the executor merges it back; the context
// and feedback are snapshots taken at submit time.
type blockWork struct {
	def        *core.BlockDef
	inst       *core.BlockInstance
	provider   string
	agent      string
	model      string
	timeout    time.Duration
	runContext map[string]any
	feedback   string
	runTokens  int64
}

// request builds the dispatch payload for one attempt. Feedback from a prior
// failed attempt overrides the run-level feedback snapshot.
func (w *blockWork) request(attempt int, feedback string) *provider.DispatchRequest {
	reqCtx := make(map[string]any, len(w.runContext)+2)
	for k, v := range w.runContext {
		reqCtx[k] = v
	}
	if len(w.inst.InputsResolved) > 0 {
		inputs := make(map[string]any, len(w.inst.InputsResolved))
		for port, v := range w.inst.InputsResolved {
			inputs[port] = v.ToAny()
		}
		reqCtx["inputs"] = inputs
	}
	if feedback == "" {
		feedback = w.feedback
	}
	if feedback != "" {
		reqCtx["latest_feedback"] = feedback
	}

	req := &provider.DispatchRequest{
		Title:              w.def.Title(),
		Description:        w.def.Description,
		Context:            reqCtx,
		AcceptanceCriteria: w.def.AcceptanceCriteria,
		BounceCount:        attempt - 1,
		Agent:              w.agent,
		System:             w.def.System,
		OutputSchema:       w.def.OutputSchema,
	}
	if w.model != "" {
		req.ModelParams = map[string]any{"model": w.model}
	}
	return req
}

// attemptOutcome classifies the most recent dispatch failure so exhaustion
// can report the stage and code of the attempt that sank the block instead of
// a generic retry error.
type attemptOutcome struct {
	attempt int
	stage   core.Stage
	code    core.Code
	message string
	preview string
	repair  string
}

func (o *attemptOutcome) set(attempt int, stage core.Stage, code core.Code, message, preview string) {
	o.attempt = attempt
	o.stage = stage
	o.code = code
	o.message = message
	o.preview = core.PreviewOf(preview)
	o.repair = ""
}

// blockRunner executes single blocks on worker goroutines. It is stateless
// across blocks; per-block state lives on the blockWork.
type blockRunner struct {
	gates     *gate.Engine
	providers *provider.Registry
	harness   *gated.Harness
	safety    config.Safety
}

// run settles one block: pre-gates, the gated dispatch loop, contract
// enforcement, output routing. It always returns the instance with a terminal
// status.
func (b *blockRunner) run(ctx context.Context, w *blockWork) *core.BlockInstance {
	ctx = logger.WithValues(ctx, tag.Block(w.def.ID))
	inst := w.inst

	if failed := b.preGates(ctx, w); failed != nil {
		return failed
	}

	adapter, err := b.providers.Get(w.provider)
	if err != nil {
		return fail(inst, attemptOutcome{stage: core.StageDispatch, code: core.CodeDispatchFailed, message: err.Error()})
	}

	// Cancelling harnessCtx inside the producer makes the harness surface a
	// coded error verbatim instead of recording a retriable attempt.
	harnessCtx, abortFatal := context.WithCancel(ctx)
	defer abortFatal()

	policy := backoff.ForSpec(w.def.Retry)
	var last attemptOutcome

	cfg := gated.Config{
		Gates:       w.def.PostGates,
		Extract:     extractSpec(w.def),
		MaxAttempts: inst.Retry.MaxAttempts + 1,
		GateOptions: gate.Options{Provider: w.provider},
	}

	res, err := b.harness.Run(harnessCtx, cfg, func(pctx context.Context, attempt int, feedback string) (string, error) {
		inst.Retry.Attempt = attempt
		if attempt > 1 {
			inst.Status = core.BlockRetrying
			if err := backoff.Sleep(pctx, policy.Interval(attempt-1)); err != nil {
				return "", err
			}
		}
		return b.dispatch(pctx, adapter, w, attempt, feedback, &last, abortFatal)
	})
	if err != nil {
		return b.settleFailure(ctx, w, err, &last)
	}

	inst.Outputs = routeOutputs(w.def, res.Data)
	inst.PostGateResults = res.Gates
	inst.Status = core.BlockCompleted
	finish(inst)
	logger.Info(ctx, "Block completed", tag.Attempt(res.Attempts), tag.Count(len(res.Gates)))
	return inst
}

// preGates evaluates the block's pre-gates over its resolved inputs. A
// refused shell gate outranks plain gate failures so the caller sees that the
// gate never ran at all.
func (b *blockRunner) preGates(ctx context.Context, w *blockWork) *core.BlockInstance {
	if len(w.def.PreGates) == 0 {
		return nil
	}
	inst := w.inst
	inputs := inst.InputsResolved
	if inputs == nil {
		inputs = map[string]core.Value{}
	}
	results, passed := b.gates.EvaluateAll(ctx, w.def.PreGates, core.Object(inputs), gate.Options{Provider: w.provider})
	inst.PreGateResults = results
	if passed {
		return nil
	}
	code, msg := core.CodeGateFailed, firstGateFailure(results)
	for _, res := range results {
		if gate.Blocked(res) {
			code, msg = core.CodeShellGatesDisabled, res.Reason
			break
		}
	}
	return fail(inst, attemptOutcome{stage: core.StagePreGate, code: code, message: msg})
}

// dispatch performs one provider attempt, classifying every failure into
// last before returning an error to the harness.
func (b *blockRunner) dispatch(ctx context.Context, adapter provider.Provider, w *blockWork, attempt int, feedback string, last *attemptOutcome, abortFatal context.CancelFunc) (string, error) {
	inst := w.inst

	if max := b.safety.MaxTokensPerBlock; max > 0 && inst.TokensUsed >= max {
		msg := fmt.Sprintf("block token budget of %d exhausted after %d tokens", max, inst.TokensUsed)
		last.set(attempt, core.StageDispatch, core.CodeBudgetExceeded, msg, "")
		abortFatal()
		return "", core.Coded(core.CodeBudgetExceeded, "%s", msg)
	}
	if max := b.safety.MaxTokensPerRun; max > 0 && w.runTokens+inst.TokensUsed >= max {
		msg := fmt.Sprintf("run token budget of %d exhausted", max)
		last.set(attempt, core.StageDispatch, core.CodeBudgetExceeded, msg, "")
		abortFatal()
		return "", core.Coded(core.CodeBudgetExceeded, "%s", msg)
	}

	req := w.request(attempt, feedback)
	attemptCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	logger.Debug(ctx, "Dispatching block", tag.Attempt(attempt), tag.Provider(w.provider))
	res, err := adapter.Dispatch(attemptCtx, req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			last.set(attempt, core.StageCancel, core.CodeCancelled, "dispatch aborted", "")
			return "", err
		case errors.Is(err, context.DeadlineExceeded):
			msg := fmt.Sprintf("attempt %d timed out after %s", attempt, w.timeout)
			last.set(attempt, core.StageTimeout, core.CodeTimeout, msg, "")
			return "", core.Coded(core.CodeTimeout, "%s", msg)
		default:
			last.set(attempt, core.StageDispatch, core.CodeDispatchFailed, err.Error(), "")
			return "", core.WrapCoded(core.CodeDispatchFailed, err)
		}
	}

	inst.TokensUsed += res.TokensUsed
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "adapter reported failure without detail"
		}
		last.set(attempt, core.StageDispatch, core.CodeDispatchFailed, msg, res.Output)
		return "", core.Coded(core.CodeDispatchFailed, "%s", msg)
	}

	out := res.Output
	if w.def.OutputSchema != nil {
		out, err = b.enforceContract(ctx, adapter, w, attempt, out, last)
		if err != nil {
			return "", err
		}
	}
	return out, nil
}

// enforceContract validates the raw output against the block's output schema
// and grants one repair dispatch per attempt before failing it.
func (b *blockRunner) enforceContract(ctx context.Context, adapter provider.Provider, w *blockWork, attempt int, raw string, last *attemptOutcome) (string, error) {
	violations := contractViolations(w.def.OutputSchema, raw)
	if len(violations) == 0 {
		return raw, nil
	}

	logger.Debug(ctx, "Output violates contract, dispatching repair", tag.Attempt(attempt), tag.Count(len(violations)))
	req := w.request(attempt, repairFeedback(violations, raw))
	repairCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	res, err := adapter.Dispatch(repairCtx, req)
	if err != nil {
		last.set(attempt, core.StageContract, core.CodeContractFailed, "repair dispatch failed: "+err.Error(), raw)
		last.repair = "repair dispatch failed"
		if ctx.Err() != nil {
			return "", err
		}
		return "", core.WrapCoded(core.CodeContractFailed, err)
	}
	w.inst.TokensUsed += res.TokensUsed

	if res.Success {
		if rest := contractViolations(w.def.OutputSchema, res.Output); len(rest) == 0 {
			last.repair = fmt.Sprintf("output repaired on attempt %d", attempt)
			return res.Output, nil
		}
		raw = res.Output
		violations = contractViolations(w.def.OutputSchema, res.Output)
	}

	msg := "output violates contract: " + summarizeViolations(violations)
	last.set(attempt, core.StageContract, core.CodeContractFailed, msg, raw)
	last.repair = "one repair dispatch did not satisfy the contract"
	return "", core.Coded(core.CodeContractFailed, "%s", msg)
}

// settleFailure maps a harness error onto the instance. Exhaustion reports
// the final attempt's classification; everything else is a cancellation or
// deadline observed between attempts.
func (b *blockRunner) settleFailure(ctx context.Context, w *blockWork, err error, last *attemptOutcome) *core.BlockInstance {
	inst := w.inst

	var exhausted *gated.ExhaustionError
	switch {
	case errors.As(err, &exhausted):
		var final gated.Attempt
		if n := len(exhausted.History); n > 0 {
			final = exhausted.History[n-1]
		}
		inst.PostGateResults = final.Gates
		switch {
		case final.Error == "":
			// The last attempt produced output that failed its post-gates.
			return fail(inst, attemptOutcome{
				stage:   core.StagePostGate,
				code:    core.CodeGateExhaustion,
				message: err.Error(),
				preview: final.Raw,
				repair:  last.repair,
			})
		case last.attempt == exhausted.Attempts && last.code != "":
			return fail(inst, attemptOutcome{
				stage:   last.stage,
				code:    last.code,
				message: fmt.Sprintf("exhausted after %d attempts: %s", exhausted.Attempts, last.message),
				preview: last.preview,
				repair:  last.repair,
			})
		default:
			// The last attempt's output could not be extracted.
			return fail(inst, attemptOutcome{
				stage:   core.StageContract,
				code:    core.CodeContractFailed,
				message: err.Error(),
				preview: final.Raw,
				repair:  last.repair,
			})
		}
	case core.HasCode(err, core.CodeBudgetExceeded):
		return fail(inst, attemptOutcome{stage: core.StageDispatch, code: core.CodeBudgetExceeded, message: err.Error(), preview: last.preview})
	case errors.Is(err, context.DeadlineExceeded):
		return fail(inst, attemptOutcome{stage: core.StageTimeout, code: core.CodeTimeout, message: "run duration exceeded during dispatch"})
	default:
		logger.Debug(ctx, "Block aborted before settling", tag.Error(err))
		return fail(inst, attemptOutcome{stage: core.StageCancel, code: core.CodeCancelled, message: "cancelled before settling"})
	}
}

// fail marks the instance failed with the outcome's classification.
func fail(inst *core.BlockInstance, o attemptOutcome) *core.BlockInstance {
	inst.Status = core.BlockFailed
	inst.Error = &core.ErrorInfo{
		Stage:            o.stage,
		Code:             o.code,
		Message:          o.message,
		Repair:           o.repair,
		RawOutputPreview: core.PreviewOf(o.preview),
	}
	finish(inst)
	return inst
}

func finish(inst *core.BlockInstance) {
	now := time.Now().UTC()
	inst.FinishedAt = &now
}

// routeOutputs distributes the settled value onto the block's output ports.
// A single port takes the whole value; multiple declared ports each take the
// matching object member.
func routeOutputs(def *core.BlockDef, data core.Value) map[string]core.Value {
	ports := def.OutputPorts()
	out := make(map[string]core.Value, len(ports))
	if len(ports) == 1 {
		out[ports[0]] = data
		return out
	}
	for _, port := range ports {
		if v, ok := data.Get(port); ok {
			out[port] = v
		} else {
			out[port] = core.Null()
		}
	}
	return out
}

// extractSpec returns the block's extraction mode, defaulting to json when a
// contract demands structured output and auto otherwise.
func extractSpec(def *core.BlockDef) core.ExtractSpec {
	if def.Extract != nil {
		return *def.Extract
	}
	if def.OutputSchema != nil {
		return core.ExtractSpec{Mode: core.ExtractJSON}
	}
	return core.ExtractSpec{Mode: core.ExtractAuto}
}

func contractViolations(schema *core.SchemaNode, raw string) []core.GateViolation {
	v, err := gated.Extract(core.ExtractSpec{Mode: core.ExtractJSON}, raw)
	if err != nil {
		return []core.GateViolation{{Path: "$", Reason: "output is not valid JSON"}}
	}
	return gate.ValidateSchema(schema, v)
}

func repairFeedback(violations []core.GateViolation, raw string) string {
	var b strings.Builder
	b.WriteString("Your previous output violated the required schema:")
	for _, v := range violations {
		fmt.Fprintf(&b, "\n- %s: %s", v.Path, v.Reason)
	}
	b.WriteString("\nReturn only corrected JSON matching the schema. Previous output:\n")
	b.WriteString(core.PreviewOf(raw))
	return b.String()
}

func summarizeViolations(violations []core.GateViolation) string {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, v.Path+": "+v.Reason)
	}
	return strings.Join(parts, "; ")
}

func firstGateFailure(results []core.GateResult) string {
	for _, r := range results {
		if !r.Passed {
			if r.Reason != "" {
				return fmt.Sprintf("gate %q: %s", r.Gate, r.Reason)
			}
			return fmt.Sprintf("gate %q failed", r.Gate)
		}
	}
	return "gate failed"
}
