package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/weftlabs/weft/internal/core"
)

// AppendEvent appends one event to the run's log and returns the assigned
// sequence number. The rowid doubles as the SSE replay cursor, so it is also
// written back onto the event before fan-out.
func (s *Store) AppendEvent(ctx context.Context, ev *core.Event) (int64, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	var dataJSON any
	if len(ev.Data) > 0 {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return 0, fmt.Errorf("encode event data: %w", err)
		}
		dataJSON = string(data)
	}

	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO dag_events (run_id, event_type, block_id, data_json, ts)
		VALUES (?, ?, ?, ?, ?)
		RETURNING seq`,
		ev.RunID, string(ev.Type), ev.BlockID, dataJSON, toMillis(ev.Timestamp),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append event %s/%s: %w", ev.RunID, ev.Type, err)
	}
	ev.Seq = seq
	return seq, nil
}

// EventsSince returns the run's events with seq > sinceSeq in append order.
func (s *Store) EventsSince(ctx context.Context, runID string, sinceSeq int64) ([]core.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, run_id, event_type, block_id, data_json, ts
		FROM dag_events
		WHERE run_id = ? AND seq > ?
		ORDER BY seq ASC`,
		runID, sinceSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query events %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.Event
	for rows.Next() {
		var (
			ev       core.Event
			typ      string
			dataJSON sql.NullString
			tsMS     int64
		)
		if err := rows.Scan(&ev.Seq, &ev.RunID, &typ, &ev.BlockID, &dataJSON, &tsMS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = core.EventType(typ)
		ev.Timestamp = fromMillis(tsMS)
		if dataJSON.Valid && dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("decode event data seq=%d: %w", ev.Seq, err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events %s: %w", runID, err)
	}
	return out, nil
}
