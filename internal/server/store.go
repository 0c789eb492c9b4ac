package server

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"sitesync/internal/domain"
)

var errNotFound = errors.New("assessment not found")

// store holds received assessments server-side, keyed by the client id so a
// replayed upload lands on the same row instead of creating a duplicate.
type store struct {
	DB *sql.DB
}

type assessmentRow struct {
	ID         string
	DeviceID   string
	Data       domain.Assessment
	HasPhoto   bool
	ReceivedAt string
}

func (s store) upsert(ctx context.Context, id, deviceID string, data domain.Assessment, photo []byte, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO assessments(id,device_id,category,element,condition,priority,building,floor,room,notes,photo,received_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET device_id=excluded.device_id, category=excluded.category, element=excluded.element,
condition=excluded.condition, priority=excluded.priority, building=excluded.building, floor=excluded.floor,
room=excluded.room, notes=excluded.notes, photo=COALESCE(excluded.photo, assessments.photo)`,
		id, deviceID, data.Category, data.Element, data.Condition, data.Priority, data.Building,
		nullable(data.Floor), nullable(data.Room), nullable(data.Notes), nullableBytes(photo),
		now.UTC().Format(time.RFC3339))
	return err
}

const assessmentColumns = `id,device_id,category,element,condition,priority,building,COALESCE(floor,''),COALESCE(room,''),COALESCE(notes,''),photo IS NOT NULL,received_at`

func scanAssessment(scan func(dest ...any) error) (assessmentRow, error) {
	var a assessmentRow
	err := scan(&a.ID, &a.DeviceID, &a.Data.Category, &a.Data.Element, &a.Data.Condition, &a.Data.Priority,
		&a.Data.Building, &a.Data.Floor, &a.Data.Room, &a.Data.Notes, &a.HasPhoto, &a.ReceivedAt)
	return a, err
}

func (s store) get(ctx context.Context, id string) (assessmentRow, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+assessmentColumns+` FROM assessments WHERE id=?`, id)
	a, err := scanAssessment(row.Scan)
	if err == sql.ErrNoRows {
		return a, errNotFound
	}
	return a, err
}

func (s store) list(ctx context.Context, building string) ([]assessmentRow, error) {
	query := `SELECT ` + assessmentColumns + ` FROM assessments`
	var args []any
	if building != "" {
		query += ` WHERE building=?`
		args = append(args, building)
	}
	query += ` ORDER BY received_at DESC, id DESC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []assessmentRow
	for rows.Next() {
		a, err := scanAssessment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (s store) count(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM assessments`).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableBytes(v []byte) any {
	if len(v) == 0 {
		return nil
	}
	return v
}
