package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDAG() *DAGDef {
	return &DAGDef{
		Name: "pair",
		Blocks: []BlockDef{
			{ID: "a", Outputs: map[string]Port{"out": {Type: PortJSON}}},
			{ID: "b", Inputs: map[string]Port{"in": {Type: PortJSON}}},
		},
		Edges: []Edge{{From: "a", FromPort: "out", To: "b", ToPort: "in"}},
	}
}

func TestRebuildRunFoldsBlockEvents(t *testing.T) {
	t.Parallel()

	dag := testDAG()
	base := NewRun("run-1", dag, Context{}, nil)

	started := NewBlockInstance("a", 2)
	started.Status = BlockRunning
	completed := started.Clone()
	completed.Status = BlockCompleted
	completed.Outputs = map[string]Value{"out": String("done")}

	events := []Event{
		*NewRunStartEvent(base),
		*NewBlockEvent(base.ID, EventBlockStart, started),
		*NewBlockEvent(base.ID, EventBlockComplete, completed),
		*NewRunCompleteEvent(base),
	}

	run := RebuildRun(base, events)
	assert.Equal(t, RunCompleted, run.Status)
	require.Contains(t, run.Blocks, "a")
	assert.Equal(t, BlockCompleted, run.Blocks["a"].Status)
	out, ok := run.Blocks["a"].Outputs["out"]
	require.True(t, ok)
	assert.Equal(t, "done", out.String())

	// The base run is untouched.
	assert.Equal(t, RunPending, base.Status)
	assert.Equal(t, BlockPending, base.Blocks["a"].Status)
}

func TestRebuildRunFromStoredJSON(t *testing.T) {
	t.Parallel()

	dag := testDAG()
	base := NewRun("run-2", dag, Context{}, nil)

	inst := NewBlockInstance("a", 1)
	inst.Status = BlockFailed
	inst.Error = &ErrorInfo{Stage: StageDispatch, Message: "boom", Code: CodeDispatchFailed}
	live := []Event{
		*NewRunStartEvent(base),
		*NewBlockEvent(base.ID, EventBlockFail, inst),
		*NewRunFailEvent(base.ID, RunFailed, CodeDispatchFailed, "no progress possible"),
	}

	// Round-trip through JSON the way the store does.
	data, err := json.Marshal(live)
	require.NoError(t, err)
	var stored []Event
	require.NoError(t, json.Unmarshal(data, &stored))

	run := RebuildRun(base, stored)
	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, "no progress possible", run.Reason)
	require.NotNil(t, run.Blocks["a"].Error)
	assert.Equal(t, StageDispatch, run.Blocks["a"].Error.Stage)
	assert.Equal(t, CodeDispatchFailed, run.Blocks["a"].Error.Code)
}

func TestRebuildRunApprovalTransitions(t *testing.T) {
	t.Parallel()

	dag := testDAG()
	base := NewRun("run-3", dag, Context{}, nil)
	req := &ApprovalRequest{Token: "tok", RunID: base.ID, BlockID: "a", Prompt: "ok?"}

	events := []Event{
		*NewRunStartEvent(base),
		*NewApprovalRequestedEvent(base.ID, req),
	}
	run := RebuildRun(base, events)
	assert.Equal(t, RunPausedApproval, run.Status)

	events = append(events, *NewApprovalDecidedEvent(base.ID, "a", "tok", DecisionApprove))
	run = RebuildRun(base, events)
	assert.Equal(t, RunRunning, run.Status)

	// A requested approval never drags a terminal run back.
	events = append(events, *NewRunCompleteEvent(base), *NewApprovalRequestedEvent(base.ID, req))
	run = RebuildRun(base, events)
	assert.Equal(t, RunCompleted, run.Status)
}

func TestRebuildRunCancelled(t *testing.T) {
	t.Parallel()

	dag := testDAG()
	base := NewRun("run-4", dag, Context{}, nil)
	events := []Event{
		*NewRunStartEvent(base),
		*NewRunFailEvent(base.ID, RunCancelled, CodeStallTimeout, "stall_timeout_exceeded"),
	}
	run := RebuildRun(base, events)
	assert.Equal(t, RunCancelled, run.Status)
	assert.Equal(t, "stall_timeout_exceeded", run.Reason)
}

func TestRebuildRunIterated(t *testing.T) {
	t.Parallel()

	dag := testDAG()
	base := NewRun("run-5", dag, Context{}, nil)
	events := []Event{
		*NewRunStartEvent(base),
		*NewRunIteratedEvent(base.ID, "run-6", 1),
	}
	run := RebuildRun(base, events)
	assert.Equal(t, RunIterated, run.Status)
}

func TestRebuildRunAdvancesUpdatedAt(t *testing.T) {
	t.Parallel()

	dag := testDAG()
	base := NewRun("run-7", dag, Context{}, nil)
	ev := NewRunStartEvent(base)
	ev.Timestamp = time.Now().UTC().Add(time.Hour)
	run := RebuildRun(base, []Event{*ev})
	assert.Equal(t, ev.Timestamp, run.UpdatedAt)
}
