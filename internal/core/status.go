package core

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending        RunStatus = "pending"
	RunRunning        RunStatus = "running"
	RunPausedApproval RunStatus = "paused_approval"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunIterated       RunStatus = "iterated"
)

// Terminal reports whether the run can no longer transition.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunIterated:
		return true
	default:
		return false
	}
}

// Active reports whether the run occupies a concurrency slot.
func (s RunStatus) Active() bool {
	switch s {
	case RunPending, RunRunning, RunPausedApproval:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunPausedApproval, RunCompleted, RunFailed, RunCancelled, RunIterated:
		return true
	default:
		return false
	}
}

// BlockStatus is the lifecycle state of a block instance within a run.
type BlockStatus string

const (
	BlockPending   BlockStatus = "pending"
	BlockReady     BlockStatus = "ready"
	BlockRunning   BlockStatus = "running"
	BlockRetrying  BlockStatus = "retrying"
	BlockCompleted BlockStatus = "completed"
	BlockFailed    BlockStatus = "failed"
	BlockSkipped   BlockStatus = "skipped"
)

// Terminal reports whether the instance can no longer transition.
func (s BlockStatus) Terminal() bool {
	switch s {
	case BlockCompleted, BlockFailed, BlockSkipped:
		return true
	default:
		return false
	}
}

// ApprovalStatus is the state of a human approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// QueueStatus is the state of a queue entry.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueClaimed   QueueStatus = "claimed"
	QueueRunning   QueueStatus = "running"
	QueueCompleted QueueStatus = "completed"
	QueueCancelled QueueStatus = "cancelled"
	QueueFailed    QueueStatus = "failed"
)

// Terminal reports whether the queue entry has settled.
func (s QueueStatus) Terminal() bool {
	switch s {
	case QueueCompleted, QueueCancelled, QueueFailed:
		return true
	default:
		return false
	}
}

// Bucket orders queue statuses for listing so that live entries sort first.
func (s QueueStatus) Bucket() int {
	switch s {
	case QueuePending:
		return 0
	case QueueClaimed:
		return 1
	case QueueRunning:
		return 2
	case QueueCompleted:
		return 3
	case QueueCancelled:
		return 4
	case QueueFailed:
		return 5
	default:
		return 6
	}
}

// Stage identifies where in the block lifecycle a failure occurred.
type Stage string

const (
	StageInput    Stage = "input"
	StagePreGate  Stage = "pre_gate"
	StageDispatch Stage = "dispatch"
	StageTimeout  Stage = "timeout"
	StageContract Stage = "contract"
	StagePostGate Stage = "post_gate"
	StageCancel   Stage = "cancelled"
	StageSnapshot Stage = "snapshot"
)
