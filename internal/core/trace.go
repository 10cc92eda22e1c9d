package core

import (
	"sort"
	"time"
)

// TraceStep summarizes one block's execution for the run trace.
type TraceStep struct {
	BlockID    string      `json:"block_id"`
	Status     BlockStatus `json:"status"`
	Attempts   int         `json:"attempts"`
	TokensUsed int64       `json:"tokens_used,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
}

// Trace is the compact execution summary persisted beside the run snapshot.
type Trace struct {
	Steps       []TraceStep `json:"steps"`
	TotalTokens int64       `json:"total_tokens"`
	DurationMS  int64       `json:"duration_ms"`
}

// BuildTrace derives the trace from the current run state. Steps are ordered
// by start time, unstarted blocks last in id order.
func BuildTrace(run *Run) *Trace {
	trace := &Trace{TotalTokens: run.TokensUsed}
	for _, inst := range run.Blocks {
		step := TraceStep{
			BlockID:    inst.BlockID,
			Status:     inst.Status,
			Attempts:   inst.Retry.Attempt,
			TokensUsed: inst.TokensUsed,
			StartedAt:  inst.StartedAt,
			FinishedAt: inst.FinishedAt,
		}
		if inst.StartedAt != nil && inst.FinishedAt != nil {
			step.DurationMS = inst.FinishedAt.Sub(*inst.StartedAt).Milliseconds()
		}
		trace.Steps = append(trace.Steps, step)
	}
	sort.Slice(trace.Steps, func(i, j int) bool {
		a, b := trace.Steps[i], trace.Steps[j]
		switch {
		case a.StartedAt == nil && b.StartedAt == nil:
			return a.BlockID < b.BlockID
		case a.StartedAt == nil:
			return false
		case b.StartedAt == nil:
			return true
		case a.StartedAt.Equal(*b.StartedAt):
			return a.BlockID < b.BlockID
		default:
			return a.StartedAt.Before(*b.StartedAt)
		}
	})
	if !run.CreatedAt.IsZero() {
		trace.DurationMS = run.UpdatedAt.Sub(run.CreatedAt).Milliseconds()
	}
	return trace
}
