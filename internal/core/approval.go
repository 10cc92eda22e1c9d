package core

import "time"

// RestartMode selects how a rejected run restarts on iteration.
type RestartMode string

const (
	RestartRefine      RestartMode = "refine"
	RestartFromScratch RestartMode = "from_scratch"
)

// Valid reports whether m is a known restart mode. Empty defaults to refine.
func (m RestartMode) Valid() bool {
	switch m {
	case "", RestartRefine, RestartFromScratch:
		return true
	default:
		return false
	}
}

// ApprovalRequest is a pending or resolved human decision point. It lives on
// the run context and is mirrored durably.
type ApprovalRequest struct {
	Token          string         `json:"token"`
	RunID          string         `json:"run_id"`
	BlockID        string         `json:"block_id"`
	Status         ApprovalStatus `json:"status"`
	Prompt         string         `json:"prompt"`
	Approver       string         `json:"approver,omitempty"`
	RequestedAt    time.Time      `json:"requested_at"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	Feedback       string         `json:"feedback,omitempty"`
	RestartMode    RestartMode    `json:"restart_mode,omitempty"`
	ContextPreview map[string]any `json:"context_preview,omitempty"`
}

// Decision values accepted by the approval endpoints.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// ApprovalDecision is the caller input resolving a pending approval.
type ApprovalDecision struct {
	Decision    string      `json:"decision"`
	Notes       string      `json:"notes,omitempty"`
	Feedback    string      `json:"feedback,omitempty"`
	RestartMode RestartMode `json:"restart_mode,omitempty"`
	Iterate     *bool       `json:"iterate,omitempty"`
	Approver    string      `json:"approver,omitempty"`
}

// WantsIteration reports whether a reject should spawn a fresh run. Iteration
// is the default.
func (d ApprovalDecision) WantsIteration() bool {
	return d.Iterate == nil || *d.Iterate
}

// ApprovalOutcome is delivered to the executor goroutine waiting on a block's
// approval preflight. Reply, when set, receives the post-decision run state
// so the deciding endpoint can answer synchronously.
type ApprovalOutcome struct {
	Token       string
	Approved    bool
	Feedback    string
	Notes       string
	Approver    string
	RestartMode RestartMode
	Iterate     bool
	Reply       chan ApprovalReply
}

// ApprovalReply reports how the executor resolved a delivered decision.
type ApprovalReply struct {
	RunStatus     RunStatus
	IteratedRunID string
	Err           error
}

