package core

import (
	"time"
)

// EventType names the DAG event kinds.
type EventType string

const (
	EventRunStart          EventType = "run:start"
	EventBlockStart        EventType = "block:start"
	EventBlockComplete     EventType = "block:complete"
	EventBlockFail         EventType = "block:fail"
	EventApprovalRequested EventType = "approval:requested"
	EventApprovalDecided   EventType = "approval:decided"
	EventRunComplete       EventType = "run:complete"
	EventRunFail           EventType = "run:fail"
	EventRunIterated       EventType = "run:iterated"
)

// Event is one immutable record in a run's history. Seq is assigned by the
// store on append and written back before fan-out.
type Event struct {
	Seq       int64          `json:"seq"`
	RunID     string         `json:"run_id"`
	Type      EventType      `json:"type"`
	BlockID   string         `json:"block_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Well-known event data keys.
const (
	EventDataBlock         = "block"
	EventDataReason        = "reason"
	EventDataStatus        = "status"
	EventDataCode          = "code"
	EventDataToken         = "token"
	EventDataPrompt        = "prompt"
	EventDataDecision      = "decision"
	EventDataIteratedRunID = "iterated_run_id"
	EventDataCycle         = "cycle"
	EventDataDAGName       = "dag_name"
)

func newEvent(runID string, typ EventType, blockID string, data map[string]any) *Event {
	return &Event{
		RunID:     runID,
		Type:      typ,
		BlockID:   blockID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// NewRunStartEvent records run admission.
func NewRunStartEvent(run *Run) *Event {
	return newEvent(run.ID, EventRunStart, "", map[string]any{
		EventDataDAGName: run.DAGName,
		EventDataStatus:  string(RunRunning),
	})
}

// NewBlockEvent records a block transition with an embedded instance snapshot.
func NewBlockEvent(runID string, typ EventType, inst *BlockInstance) *Event {
	return newEvent(runID, typ, inst.BlockID, map[string]any{
		EventDataBlock: inst.Clone(),
	})
}

// NewApprovalRequestedEvent records a pending human decision.
func NewApprovalRequestedEvent(runID string, req *ApprovalRequest) *Event {
	return newEvent(runID, EventApprovalRequested, req.BlockID, map[string]any{
		EventDataToken:  req.Token,
		EventDataPrompt: req.Prompt,
	})
}

// NewApprovalDecidedEvent records a resolved human decision.
func NewApprovalDecidedEvent(runID, blockID, token, decision string) *Event {
	return newEvent(runID, EventApprovalDecided, blockID, map[string]any{
		EventDataToken:    token,
		EventDataDecision: decision,
	})
}

// NewRunCompleteEvent records successful run completion.
func NewRunCompleteEvent(run *Run) *Event {
	return newEvent(run.ID, EventRunComplete, "", map[string]any{
		EventDataStatus: string(RunCompleted),
	})
}

// NewRunFailEvent records a terminal failure or cancellation. status selects
// between failed and cancelled.
func NewRunFailEvent(runID string, status RunStatus, code Code, reason string) *Event {
	return newEvent(runID, EventRunFail, "", map[string]any{
		EventDataStatus: string(status),
		EventDataCode:   string(code),
		EventDataReason: reason,
	})
}

// NewRunIteratedEvent records that a rejected run spawned a fresh iteration.
func NewRunIteratedEvent(runID, iteratedRunID string, cycle int) *Event {
	return newEvent(runID, EventRunIterated, "", map[string]any{
		EventDataIteratedRunID: iteratedRunID,
		EventDataCycle:         cycle,
	})
}

// BlockSnapshot extracts the embedded instance from a block event, whether the
// event is still live (holding the struct) or was reloaded from the store
// (holding a decoded map).
func (e *Event) BlockSnapshot() (*BlockInstance, bool) {
	raw, ok := e.Data[EventDataBlock]
	if !ok {
		return nil, false
	}
	switch t := raw.(type) {
	case *BlockInstance:
		return t.Clone(), true
	case map[string]any:
		var inst BlockInstance
		if err := DecodeMap(t, &inst); err != nil {
			return nil, false
		}
		return &inst, true
	default:
		return nil, false
	}
}

// DataString returns a string member of the event payload.
func (e *Event) DataString(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}
