package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitesync/internal/domain"
)

var ErrNotFound = errors.New("not found")

// StorageError marks a failed durable write. The executor treats it as fatal
// for the run: a record must never advance without a confirmed write.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("queue storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Store is the durable local queue of assessment records.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

const recordColumns = `id,category,element,condition,priority,building,COALESCE(floor,''),COALESCE(room,''),COALESCE(notes,''),COALESCE(photo_path,''),status,retry_count,COALESCE(error_message,''),created_at`

func scanRecord(scan func(dest ...any) error) (domain.QueueRecord, error) {
	var rec domain.QueueRecord
	err := scan(&rec.ID, &rec.Data.Category, &rec.Data.Element, &rec.Data.Condition, &rec.Data.Priority,
		&rec.Data.Building, &rec.Data.Floor, &rec.Data.Room, &rec.Data.Notes, &rec.PhotoPath,
		&rec.Status, &rec.RetryCount, &rec.ErrorMessage, &rec.CreatedAt)
	return rec, err
}

// Insert stores a new record. The caller provides the id; status defaults to
// pending when empty.
func (s Store) Insert(ctx context.Context, rec domain.QueueRecord) error {
	if rec.ID == "" {
		return errors.New("record id is required")
	}
	if err := rec.Data.Validate(); err != nil {
		return err
	}
	if rec.Status == "" {
		rec.Status = domain.StatusPending
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = s.now().UTC().Format(time.RFC3339)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO queue_records(id,category,element,condition,priority,building,floor,room,notes,photo_path,status,retry_count,error_message,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Data.Category, rec.Data.Element, rec.Data.Condition, rec.Data.Priority, rec.Data.Building,
		nullable(rec.Data.Floor), nullable(rec.Data.Room), nullable(rec.Data.Notes), nullable(rec.PhotoPath),
		rec.Status, rec.RetryCount, nullable(rec.ErrorMessage), rec.CreatedAt, rec.CreatedAt)
	return storageErr("insert", err)
}

// Fields is the set of mutable columns for Update. Nil pointers are left
// untouched; callers pass the full set they intend to change.
type Fields struct {
	Status       *string
	RetryCount   *int
	ErrorMessage *string
	PhotoPath    *string
}

// Update applies a partial update to one record. Same-id updates serialize on
// the sqlite write lock; last write wins.
func (s Store) Update(ctx context.Context, id string, f Fields) error {
	var (
		sets []string
		args []any
	)
	if f.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, *f.Status)
	}
	if f.RetryCount != nil {
		sets = append(sets, "retry_count=?")
		args = append(args, *f.RetryCount)
	}
	if f.ErrorMessage != nil {
		sets = append(sets, "error_message=?")
		args = append(args, nullable(*f.ErrorMessage))
	}
	if f.PhotoPath != nil {
		sets = append(sets, "photo_path=?")
		args = append(args, nullable(*f.PhotoPath))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at=?")
	args = append(args, s.now().UTC().Format(time.RFC3339), id)
	res, err := s.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE queue_records SET %s WHERE id=?`, strings.Join(sets, ",")), args...)
	if err != nil {
		return storageErr("update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove deletes a record. Explicit deletion only; sync failures never remove
// records.
func (s Store) Remove(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM queue_records WHERE id=?`, id)
	if err != nil {
		return storageErr("remove", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one record by id.
func (s Store) Get(ctx context.Context, id string) (domain.QueueRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM queue_records WHERE id=?`, id)
	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, storageErr("get", err)
	}
	return rec, nil
}

// List returns records, optionally filtered by status, in createdAt order so
// sync drains oldest first deterministically.
func (s Store) List(ctx context.Context, status string) ([]domain.QueueRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM queue_records`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()
	var res []domain.QueueRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, storageErr("list", err)
		}
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", err)
	}
	return res, nil
}

// CountByStatus returns record counts grouped by status.
func (s Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, count(*) FROM queue_records GROUP BY status`)
	if err != nil {
		return nil, storageErr("count", err)
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storageErr("count", err)
		}
		res[status] = count
	}
	return res, rows.Err()
}

// ResetRetry zeroes retryCount, clears the error and requeues a failed
// record. Only user action goes through here.
func (s Store) ResetRetry(ctx context.Context, id string) error {
	now := s.now().UTC().Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx, `UPDATE queue_records SET retry_count=0, error_message=NULL, status=?, updated_at=? WHERE id=? AND status IN (?,?)`,
		domain.StatusPending, now, id, domain.StatusFailed, domain.StatusPending)
	if err != nil {
		return storageErr("reset_retry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueStuck flips records left in syncing back to pending. Run at startup:
// an in-flight attempt that died with the process did not provably complete.
func (s Store) RequeueStuck(ctx context.Context) (int, error) {
	now := s.now().UTC().Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx, `UPDATE queue_records SET status=?, updated_at=? WHERE status=?`,
		domain.StatusPending, now, domain.StatusSyncing)
	if err != nil {
		return 0, storageErr("requeue_stuck", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneSynced removes synced records created before the cutoff.
func (s Store) PruneSynced(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM queue_records WHERE status=? AND created_at < ?`,
		domain.StatusSynced, olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, storageErr("prune", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
