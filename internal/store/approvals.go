package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/weftlabs/weft/internal/core"
)

// UpsertApproval persists an approval request, idempotent by token. The same
// row is updated in place when the request is decided.
func (s *Store) UpsertApproval(ctx context.Context, req *core.ApprovalRequest) error {
	var previewJSON any
	if len(req.ContextPreview) > 0 {
		data, err := json.Marshal(req.ContextPreview)
		if err != nil {
			return fmt.Errorf("encode approval preview: %w", err)
		}
		previewJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dag_approvals
			(token, run_id, block_id, status, prompt, approver, notes, feedback, restart_mode, preview_json, requested_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (token) DO UPDATE SET
			status       = excluded.status,
			approver     = excluded.approver,
			notes        = excluded.notes,
			feedback     = excluded.feedback,
			restart_mode = excluded.restart_mode,
			decided_at   = excluded.decided_at`,
		req.Token, req.RunID, req.BlockID, string(req.Status), req.Prompt,
		req.Approver, req.Notes, req.Feedback, string(req.RestartMode),
		previewJSON, toMillis(req.RequestedAt), toMillisPtr(req.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert approval %s: %w", req.Token, err)
	}
	return nil
}

const approvalColumns = `token, run_id, block_id, status, prompt, approver, notes, feedback, restart_mode, preview_json, requested_at, decided_at`

// ApprovalByToken loads one approval request.
func (s *Store) ApprovalByToken(ctx context.Context, token string) (*core.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM dag_approvals WHERE token = ?`, token)
	return scanApproval(row)
}

// LatestPendingApproval returns the newest pending approval of a run.
func (s *Store) LatestPendingApproval(ctx context.Context, runID string) (*core.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM dag_approvals
		 WHERE run_id = ? AND status = ?
		 ORDER BY requested_at DESC, rowid DESC LIMIT 1`,
		runID, string(core.ApprovalPending))
	return scanApproval(row)
}

// LatestPendingApprovalAny returns the newest pending approval across all
// runs. It backs the "latest" convenience endpoints.
func (s *Store) LatestPendingApprovalAny(ctx context.Context) (*core.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM dag_approvals
		 WHERE status = ?
		 ORDER BY requested_at DESC, rowid DESC LIMIT 1`,
		string(core.ApprovalPending))
	return scanApproval(row)
}

func scanApproval(row *sql.Row) (*core.ApprovalRequest, error) {
	var (
		req           core.ApprovalRequest
		status        string
		restartMode   string
		previewJSON   sql.NullString
		requestedAtMS int64
		decidedAtMS   sql.NullInt64
	)
	err := row.Scan(&req.Token, &req.RunID, &req.BlockID, &status, &req.Prompt,
		&req.Approver, &req.Notes, &req.Feedback, &restartMode,
		&previewJSON, &requestedAtMS, &decidedAtMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrApprovalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	req.Status = core.ApprovalStatus(status)
	req.RestartMode = core.RestartMode(restartMode)
	req.RequestedAt = fromMillis(requestedAtMS)
	req.DecidedAt = fromMillisPtr(decidedAtMS)
	if previewJSON.Valid && previewJSON.String != "" {
		_ = json.Unmarshal([]byte(previewJSON.String), &req.ContextPreview)
	}
	return &req, nil
}
