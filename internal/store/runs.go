package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/weftlabs/weft/internal/core"
)

// UpsertRun persists the run snapshot, idempotent by run id. The definition
// and trace are stored in their own columns so listings can decode them
// independently of the snapshot.
func (s *Store) UpsertRun(ctx context.Context, dag *core.DAGDef, run *core.Run, trace *core.Trace) error {
	dagJSON, err := json.Marshal(dag)
	if err != nil {
		return fmt.Errorf("encode dag %s: %w", run.ID, err)
	}
	runJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	var traceJSON any
	if trace != nil {
		data, err := json.Marshal(trace)
		if err != nil {
			return fmt.Errorf("encode trace %s: %w", run.ID, err)
		}
		traceJSON = string(data)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dag_runs (run_id, dag_name, status, dag_json, run_json, trace_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			status     = excluded.status,
			run_json   = excluded.run_json,
			trace_json = excluded.trace_json,
			updated_at = excluded.updated_at`,
		run.ID, run.DAGName, string(run.Status), string(dagJSON), string(runJSON), traceJSON,
		toMillis(run.CreatedAt), toMillis(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", run.ID, err)
	}
	return nil
}

// RunExists reports whether a run row exists.
func (s *Store) RunExists(ctx context.Context, runID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dag_runs WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check run %s: %w", runID, err)
	}
	return n > 0, nil
}

const runColumns = `run_id, dag_name, status, dag_json, run_json, trace_json, created_at, updated_at`

// RunRow loads one run row. When the snapshot column cannot be decoded the
// run is rebuilt by folding the event log over a fresh base and the row is
// flagged reconstructed.
func (s *Store) RunRow(ctx context.Context, runID string) (*core.RunRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM dag_runs WHERE run_id = ?`, runID)
	rr, err := s.scanRunRow(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrRunNotFound
	}
	return rr, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRunRow(ctx context.Context, row rowScanner) (*core.RunRow, error) {
	var (
		rr                   core.RunRow
		status               string
		dagJSON, runJSON     string
		traceJSON            sql.NullString
		createdMS, updatedMS int64
	)
	if err := row.Scan(&rr.ID, &rr.DAGName, &status, &dagJSON, &runJSON, &traceJSON, &createdMS, &updatedMS); err != nil {
		return nil, err
	}
	rr.Status = core.RunStatus(status)
	rr.CreatedAt = fromMillis(createdMS)
	rr.UpdatedAt = fromMillis(updatedMS)

	var dag core.DAGDef
	if err := json.Unmarshal([]byte(dagJSON), &dag); err != nil {
		return nil, fmt.Errorf("decode dag %s: %w", rr.ID, err)
	}
	rr.DAG = &dag

	var run core.Run
	if err := json.Unmarshal([]byte(runJSON), &run); err != nil {
		rebuilt, rerr := s.rebuildRun(ctx, rr.ID, &dag)
		if rerr != nil {
			return nil, fmt.Errorf("decode run %s: %w", rr.ID, err)
		}
		rr.Run = rebuilt
		rr.Reconstructed = true
	} else {
		run.DAG = &dag
		rr.Run = &run
	}

	if traceJSON.Valid && traceJSON.String != "" {
		var trace core.Trace
		if err := json.Unmarshal([]byte(traceJSON.String), &trace); err == nil {
			rr.Trace = &trace
		}
	}
	return &rr, nil
}

// rebuildRun recovers a run state from its event log when the snapshot is
// unreadable.
func (s *Store) rebuildRun(ctx context.Context, runID string, dag *core.DAGDef) (*core.Run, error) {
	events, err := s.EventsSince(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	base := core.NewRun(runID, dag, nil, nil)
	return core.RebuildRun(base, events), nil
}

// ListRuns pages run rows newest first and returns the total matching count.
func (s *Store) ListRuns(ctx context.Context, opts ...core.ListRunsOption) ([]*core.RunRow, int, error) {
	var o core.ListRunsOptions
	for _, opt := range opts {
		opt(&o)
	}

	where := ""
	var args []any
	if len(o.Statuses) > 0 {
		marks := make([]string, len(o.Statuses))
		for i, st := range o.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dag_runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	query := `SELECT ` + runColumns + ` FROM dag_runs` + where + ` ORDER BY created_at DESC, run_id DESC`
	if o.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", o.Limit)
		if o.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", o.Offset)
		}
	} else if o.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", o.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*core.RunRow
	for rows.Next() {
		rr, err := s.scanRunRow(ctx, rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rr)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	return out, total, nil
}

// StaleRuns returns non-terminal runs whose snapshot has not been touched
// since the cutoff. The orphan sweep folds these into terminal failures.
func (s *Store) StaleRuns(ctx context.Context, cutoff time.Time) ([]*core.RunRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM dag_runs
		 WHERE status IN (?, ?, ?) AND updated_at <= ?
		 ORDER BY updated_at ASC`,
		string(core.RunPending), string(core.RunRunning), string(core.RunPausedApproval),
		toMillis(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("query stale runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*core.RunRow
	for rows.Next() {
		rr, err := s.scanRunRow(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query stale runs: %w", err)
	}
	return out, nil
}
