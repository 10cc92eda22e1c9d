package core

import (
	"context"
	"errors"
	"time"
)

// Store-level sentinel errors.
var (
	ErrRunNotFound      = errors.New("run not found")
	ErrApprovalNotFound = errors.New("approval not found")
	ErrQueueEntryExists = errors.New("queue entry already exists")
	ErrQueueNotFound    = errors.New("queue entry not found")
	ErrQueueNotPending  = errors.New("queue entry is not pending")
)

// RunRow is one persisted run with its definition, snapshot and trace.
type RunRow struct {
	ID        string    `json:"id"`
	DAGName   string    `json:"dag_name"`
	Status    RunStatus `json:"status"`
	DAG       *DAGDef   `json:"dag,omitempty"`
	Run       *Run      `json:"run,omitempty"`
	Trace     *Trace    `json:"trace,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Reconstructed marks rows whose snapshot had to be rebuilt by folding
	// the event log.
	Reconstructed bool `json:"reconstructed,omitempty"`
}

// ListRunsOptions filters and pages run listings.
type ListRunsOptions struct {
	Statuses []RunStatus
	Limit    int
	Offset   int
}

// ListRunsOption mutates ListRunsOptions.
type ListRunsOption func(*ListRunsOptions)

// WithStatuses filters listed runs by status.
func WithStatuses(statuses ...RunStatus) ListRunsOption {
	return func(o *ListRunsOptions) { o.Statuses = statuses }
}

// WithLimit caps the number of listed runs.
func WithLimit(limit int) ListRunsOption {
	return func(o *ListRunsOptions) { o.Limit = limit }
}

// WithOffset skips the first offset runs.
func WithOffset(offset int) ListRunsOption {
	return func(o *ListRunsOptions) { o.Offset = offset }
}

// RunStore is the durable registry: run snapshots, the append-only event log
// and approval mirrors.
type RunStore interface {
	// UpsertRun persists the run snapshot, idempotent by run id.
	UpsertRun(ctx context.Context, dag *DAGDef, run *Run, trace *Trace) error

	// AppendEvent appends an event and returns its assigned sequence number.
	AppendEvent(ctx context.Context, ev *Event) (int64, error)

	// EventsSince returns the run's events with seq > sinceSeq, ascending.
	EventsSince(ctx context.Context, runID string, sinceSeq int64) ([]Event, error)

	// RunExists reports whether a run row exists.
	RunExists(ctx context.Context, runID string) (bool, error)

	// RunRow loads one run row; ErrRunNotFound when absent.
	RunRow(ctx context.Context, runID string) (*RunRow, error)

	// ListRuns pages run rows newest first and returns the total row count.
	ListRuns(ctx context.Context, opts ...ListRunsOption) ([]*RunRow, int, error)

	// UpsertApproval persists an approval request, idempotent by token.
	UpsertApproval(ctx context.Context, req *ApprovalRequest) error

	// LatestPendingApproval returns the newest pending approval of a run, or
	// ErrApprovalNotFound.
	LatestPendingApproval(ctx context.Context, runID string) (*ApprovalRequest, error)

	// LatestPendingApprovalAny returns the newest pending approval across all
	// runs, or ErrApprovalNotFound.
	LatestPendingApprovalAny(ctx context.Context) (*ApprovalRequest, error)

	// ApprovalByToken loads one approval, or ErrApprovalNotFound.
	ApprovalByToken(ctx context.Context, token string) (*ApprovalRequest, error)

	// StaleRuns returns non-terminal runs untouched since the given cutoff.
	StaleRuns(ctx context.Context, cutoff time.Time) ([]*RunRow, error)
}

// QueueStore is the durable admission queue.
type QueueStore interface {
	// Enqueue writes a pending entry; ErrQueueEntryExists on duplicate run id.
	Enqueue(ctx context.Context, entry *QueueEntry) error

	// ClaimNext expires stale leases, then claims the head pending entry for
	// owner with the given lease. Returns nil when nothing is pending.
	ClaimNext(ctx context.Context, owner string, lease time.Duration) (*QueueEntry, error)

	// MarkRunning promotes a claimed entry to running, renewing its lease.
	MarkRunning(ctx context.Context, runID, owner, token string, lease time.Duration) error

	// MarkTerminal settles an entry with the matching terminal status.
	MarkTerminal(ctx context.Context, runID string, status QueueStatus, lastError string) error

	// Entry loads one entry; ErrQueueNotFound when absent.
	Entry(ctx context.Context, runID string) (*QueueEntry, error)

	// List returns all entries in admission order.
	List(ctx context.Context) ([]*QueueEntry, error)

	// PendingCount returns the number of pending entries.
	PendingCount(ctx context.Context) (int, error)

	// Position returns the 1-based admission position of a pending entry.
	Position(ctx context.Context, runID string) (int, error)

	// Update adjusts priority or manual rank of a pending entry;
	// ErrQueueNotPending otherwise.
	Update(ctx context.Context, runID string, priority, manualRank *int) error

	// Reorder assigns manual ranks 1..n over the given pending run ids.
	Reorder(ctx context.Context, runIDs []string) error

	// CancelPending cancels all pending entries and returns how many.
	CancelPending(ctx context.Context) (int, error)
}
