package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the sync core.
const (
	TypeRecordQueued  = "record.queued"
	TypeRecordSynced  = "record.synced"
	TypeRecordFailed  = "record.failed"
	TypeRecordDeleted = "record.deleted"
	TypeRetryReset    = "record.retry_reset"
	TypeRunStarted    = "run.started"
	TypeRunFinished   = "run.finished"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Event is one row of the audit log.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	RecordID string `json:"record_id,omitempty"`
	Payload  string `json:"payload_json,omitempty"`
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append writes an event row. Queue mutations are single statements, so the
// log is written outside any transaction; a lost event never blocks a sync.
func (w Writer) Append(ctx context.Context, evtType, recordID string, payload EventPayload) error {
	ts := w.now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,record_id,payload_json) VALUES (?,?,?,?)`,
		ts, evtType, nullable(recordID), string(data))
	return err
}

// Latest returns the most recent events, newest first.
func (w Writer) Latest(ctx context.Context, limit int, recordID string) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,record_id,payload_json FROM events`
	var args []any
	if recordID != "" {
		query += ` WHERE record_id=?`
		args = append(args, recordID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var rid, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &rid, &payload); err != nil {
			return nil, err
		}
		if rid.Valid {
			e.RecordID = rid.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
