package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/core"
)

// admissionOrder ranks pending entries: manual rank first (unranked last),
// then priority descending, then enqueue time, with the run id as the final
// tiebreak.
const admissionOrder = `(manual_rank IS NULL) ASC, manual_rank ASC, priority DESC, created_at ASC, run_id ASC`

const queueColumns = `run_id, status, priority, manual_rank, claim_owner, claim_token, lease_expires_at, attempt, payload_json, last_error, created_at, updated_at, started_at, finished_at`

// Enqueue writes a pending entry. Duplicate run ids are rejected so a run can
// never occupy two queue slots.
func (s *Store) Enqueue(ctx context.Context, entry *core.QueueEntry) error {
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	entry.Status = core.QueuePending

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO dag_run_queue
			(run_id, status, priority, manual_rank, payload_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID, string(entry.Status), entry.Priority, entry.ManualRank,
		nullableString(string(entry.Payload)), toMillis(entry.CreatedAt), toMillis(entry.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue run %s: %w", entry.RunID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("enqueue run %s: %w", entry.RunID, err)
	}
	if n == 0 {
		return core.ErrQueueEntryExists
	}
	return nil
}

// ClaimNext expires stale claims, then claims the head pending entry for
// owner under a fresh lease. The whole exchange is one transaction so two
// pumps can never claim the same entry. Returns nil when nothing is pending.
func (s *Store) ClaimNext(ctx context.Context, owner string, lease time.Duration) (*core.QueueEntry, error) {
	now := time.Now().UTC()
	var claimed *core.QueueEntry

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE dag_run_queue
			SET status = ?, claim_owner = '', claim_token = '', lease_expires_at = NULL, updated_at = ?
			WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
			string(core.QueuePending), toMillis(now), string(core.QueueClaimed), toMillis(now),
		)
		if err != nil {
			return fmt.Errorf("expire stale claims: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			SELECT `+queueColumns+` FROM dag_run_queue
			WHERE status = ?
			ORDER BY `+admissionOrder+`
			LIMIT 1`,
			string(core.QueuePending),
		)
		entry, err := scanQueueEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		token := uuid.New().String()
		expires := now.Add(lease)
		res, err := tx.ExecContext(ctx, `
			UPDATE dag_run_queue
			SET status = ?, claim_owner = ?, claim_token = ?, lease_expires_at = ?, attempt = attempt + 1, updated_at = ?
			WHERE run_id = ? AND status = ?`,
			string(core.QueueClaimed), owner, token, toMillis(expires), toMillis(now),
			entry.RunID, string(core.QueuePending),
		)
		if err != nil {
			return fmt.Errorf("claim run %s: %w", entry.RunID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim run %s: %w", entry.RunID, err)
		}
		if n == 0 {
			// Lost the head to a concurrent claim inside another process;
			// the next pump cycle picks up whatever is left.
			return nil
		}

		entry.Status = core.QueueClaimed
		entry.ClaimOwner = owner
		entry.ClaimToken = token
		entry.LeaseExpiresAt = &expires
		entry.Attempt++
		entry.UpdatedAt = now
		claimed = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkRunning promotes a claimed entry to running under the same claim token,
// renewing the lease for the admission handoff.
func (s *Store) MarkRunning(ctx context.Context, runID, owner, token string, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE dag_run_queue
		SET status = ?, lease_expires_at = ?, started_at = ?, updated_at = ?
		WHERE run_id = ? AND status = ? AND claim_owner = ? AND claim_token = ?`,
		string(core.QueueRunning), toMillis(now.Add(lease)), toMillis(now), toMillis(now),
		runID, string(core.QueueClaimed), owner, token,
	)
	if err != nil {
		return fmt.Errorf("mark running %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark running %s: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("mark running %s: claim no longer held", runID)
	}
	return nil
}

// MarkTerminal settles an entry with the run's terminal status. Settling an
// already terminal entry is a no-op so crash-recovery sweeps stay idempotent.
func (s *Store) MarkTerminal(ctx context.Context, runID string, status core.QueueStatus, lastError string) error {
	if !status.Terminal() {
		return fmt.Errorf("mark terminal %s: %q is not terminal", runID, status)
	}
	now := toMillis(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE dag_run_queue
		SET status = ?, last_error = ?, lease_expires_at = NULL, finished_at = ?, updated_at = ?
		WHERE run_id = ? AND status IN (?, ?, ?)`,
		string(status), lastError, now, now,
		runID, string(core.QueuePending), string(core.QueueClaimed), string(core.QueueRunning),
	)
	if err != nil {
		return fmt.Errorf("mark terminal %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark terminal %s: %w", runID, err)
	}
	if n == 0 {
		exists, err := s.queueEntryExists(ctx, runID)
		if err != nil {
			return err
		}
		if !exists {
			return core.ErrQueueNotFound
		}
	}
	return nil
}

func (s *Store) queueEntryExists(ctx context.Context, runID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dag_run_queue WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return false, fmt.Errorf("check queue entry %s: %w", runID, err)
	}
	return n > 0, nil
}

// Entry loads one queue entry.
func (s *Store) Entry(ctx context.Context, runID string) (*core.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM dag_run_queue WHERE run_id = ?`, runID)
	entry, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrQueueNotFound
	}
	return entry, err
}

// List returns every entry, live ones first, each group in admission order.
func (s *Store) List(ctx context.Context) ([]*core.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM dag_run_queue
		ORDER BY CASE status
			WHEN 'pending'   THEN 0
			WHEN 'claimed'   THEN 1
			WHEN 'running'   THEN 2
			WHEN 'completed' THEN 3
			WHEN 'cancelled' THEN 4
			ELSE 5
		END ASC, `+admissionOrder)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*core.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return out, nil
}

// PendingCount returns the number of pending entries.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dag_run_queue WHERE status = ?`,
		string(core.QueuePending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// Position returns the 1-based admission position of a pending entry.
func (s *Store) Position(ctx context.Context, runID string) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id FROM dag_run_queue
		WHERE status = ?
		ORDER BY `+admissionOrder,
		string(core.QueuePending))
	if err != nil {
		return 0, fmt.Errorf("queue position %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	pos := 0
	for rows.Next() {
		pos++
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("queue position %s: %w", runID, err)
		}
		if id == runID {
			return pos, nil
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("queue position %s: %w", runID, err)
	}
	return 0, core.ErrQueueNotFound
}

// Update adjusts priority or manual rank of a pending entry.
func (s *Store) Update(ctx context.Context, runID string, priority, manualRank *int) error {
	if priority == nil && manualRank == nil {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM dag_run_queue WHERE run_id = ?`, runID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrQueueNotFound
		}
		if err != nil {
			return fmt.Errorf("load queue entry %s: %w", runID, err)
		}
		if core.QueueStatus(status) != core.QueuePending {
			return core.ErrQueueNotPending
		}

		set := `updated_at = ?`
		args := []any{toMillis(time.Now().UTC())}
		if priority != nil {
			set += `, priority = ?`
			args = append(args, *priority)
		}
		if manualRank != nil {
			set += `, manual_rank = ?`
			args = append(args, *manualRank)
		}
		args = append(args, runID)
		if _, err := tx.ExecContext(ctx,
			`UPDATE dag_run_queue SET `+set+` WHERE run_id = ?`, args...); err != nil {
			return fmt.Errorf("update queue entry %s: %w", runID, err)
		}
		return nil
	})
}

// Reorder assigns manual ranks 1..n over the given run ids, in list order.
// Ids that are no longer pending are skipped; their ranks stay unassigned.
func (s *Store) Reorder(ctx context.Context, runIDs []string) error {
	now := toMillis(time.Now().UTC())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i, id := range runIDs {
			if _, err := tx.ExecContext(ctx, `
				UPDATE dag_run_queue SET manual_rank = ?, updated_at = ?
				WHERE run_id = ? AND status = ?`,
				i+1, now, id, string(core.QueuePending)); err != nil {
				return fmt.Errorf("reorder queue entry %s: %w", id, err)
			}
		}
		return nil
	})
}

// CancelPending cancels every pending entry and returns how many it touched.
func (s *Store) CancelPending(ctx context.Context) (int, error) {
	now := toMillis(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE dag_run_queue
		SET status = ?, finished_at = ?, updated_at = ?
		WHERE status = ?`,
		string(core.QueueCancelled), now, now, string(core.QueuePending))
	if err != nil {
		return 0, fmt.Errorf("cancel pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel pending: %w", err)
	}
	return int(n), nil
}

func scanQueueEntry(row rowScanner) (*core.QueueEntry, error) {
	var (
		entry                 core.QueueEntry
		status                string
		manualRank            sql.NullInt64
		leaseMS               sql.NullInt64
		payloadJSON           sql.NullString
		createdMS, updatedMS  int64
		startedMS, finishedMS sql.NullInt64
	)
	err := row.Scan(&entry.RunID, &status, &entry.Priority, &manualRank,
		&entry.ClaimOwner, &entry.ClaimToken, &leaseMS, &entry.Attempt,
		&payloadJSON, &entry.LastError, &createdMS, &updatedMS, &startedMS, &finishedMS)
	if err != nil {
		return nil, err
	}
	entry.Status = core.QueueStatus(status)
	if manualRank.Valid {
		rank := int(manualRank.Int64)
		entry.ManualRank = &rank
	}
	entry.LeaseExpiresAt = fromMillisPtr(leaseMS)
	if payloadJSON.Valid {
		entry.Payload = []byte(payloadJSON.String)
	}
	entry.CreatedAt = fromMillis(createdMS)
	entry.UpdatedAt = fromMillis(updatedMS)
	entry.StartedAt = fromMillisPtr(startedMS)
	entry.FinishedAt = fromMillisPtr(finishedMS)
	return &entry, nil
}
