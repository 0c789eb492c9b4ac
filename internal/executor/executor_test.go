package executor_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"sitesync/internal/db"
	"sitesync/internal/domain"
	"sitesync/internal/events"
	"sitesync/internal/executor"
	"sitesync/internal/migrate"
	"sitesync/internal/queue"
	"sitesync/internal/remote"
)

type fakeNetwork struct {
	mu      sync.Mutex
	quality string
}

func (n *fakeNetwork) Current() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.quality
}

func (n *fakeNetwork) set(q string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.quality = q
}

type fakeUploader struct {
	mu     sync.Mutex
	fail   map[string]error
	calls  []string
	onCall func(rec domain.QueueRecord)
}

func (u *fakeUploader) Upload(ctx context.Context, rec domain.QueueRecord) (remote.AssessmentResponse, error) {
	u.mu.Lock()
	u.calls = append(u.calls, rec.ID)
	u.mu.Unlock()
	if u.onCall != nil {
		u.onCall(rec)
	}
	if err, ok := u.fail[rec.ID]; ok {
		return remote.AssessmentResponse{}, err
	}
	return remote.AssessmentResponse{ID: rec.ID, Data: rec.Data}, nil
}

func (u *fakeUploader) uploaded() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.calls...)
}

type testEnv struct {
	Store   queue.Store
	Network *fakeNetwork
	Remote  *fakeUploader
	Exec    executor.Executor
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := queue.Store{DB: conn}
	network := &fakeNetwork{quality: domain.QualityGood}
	uploader := &fakeUploader{fail: map[string]error{}}
	return testEnv{
		Store:   store,
		Network: network,
		Remote:  uploader,
		Exec: executor.Executor{
			Store:   store,
			Remote:  uploader,
			Network: network,
			Events:  events.Writer{DB: conn},
		},
		Ctx: context.Background(),
	}
}

func (env testEnv) seed(t *testing.T, id, createdAt string) {
	t.Helper()
	rec := domain.QueueRecord{
		ID: id,
		Data: domain.Assessment{
			Category:  "hvac",
			Element:   "air handler",
			Condition: 2,
			Priority:  1,
			Building:  "bldg-a",
		},
		CreatedAt: createdAt,
	}
	if err := env.Store.Insert(env.Ctx, rec); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func (env testEnv) status(t *testing.T, id string) domain.QueueRecord {
	t.Helper()
	rec, err := env.Store.Get(env.Ctx, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec
}

func TestRunOfflineLeavesQueueUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-1", "2026-03-01T08:00:00Z")
	env.Network.set(domain.QualityOffline)

	result, err := env.Exec.Run(env.Ctx, executor.Options{})
	if !errors.Is(err, executor.ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if result.Success || result.SyncedCount != 0 || result.FailedCount != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected one run-level error, got %d", len(result.Errors))
	}
	if len(env.Remote.uploaded()) != 0 {
		t.Fatalf("no upload may happen offline")
	}
	rec := env.status(t, "rec-1")
	if rec.Status != domain.StatusPending || rec.RetryCount != 0 {
		t.Fatalf("record mutated by offline run: %+v", rec)
	}
}

func TestRunEmptyQueueSucceeds(t *testing.T) {
	env := newTestEnv(t)
	result, err := env.Exec.Run(env.Ctx, executor.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Success || result.SyncedCount != 0 || result.FailedCount != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRunPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-1", "2026-03-01T08:00:00Z")
	env.seed(t, "rec-2", "2026-03-01T08:01:00Z")
	env.seed(t, "rec-3", "2026-03-01T08:02:00Z")
	env.Remote.fail["rec-2"] = &remote.APIError{StatusCode: 500, Message: "boom"}

	var progress []domain.Progress
	result, err := env.Exec.Run(env.Ctx, executor.Options{
		Progress: func(p domain.Progress) { progress = append(progress, p) },
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Success {
		t.Fatalf("run with failures cannot be success")
	}
	if result.SyncedCount != 2 || result.FailedCount != 1 {
		t.Fatalf("expected 2 synced 1 failed, got %+v", result)
	}
	if result.Incomplete {
		t.Fatalf("full pass must not be incomplete")
	}
	if len(result.Errors) != 1 || result.Errors[0].ID != "rec-2" {
		t.Fatalf("unexpected errors %+v", result.Errors)
	}

	if env.status(t, "rec-1").Status != domain.StatusSynced {
		t.Fatalf("rec-1 not synced")
	}
	failed := env.status(t, "rec-2")
	if failed.Status != domain.StatusFailed || failed.RetryCount != 1 || failed.ErrorMessage == "" {
		t.Fatalf("unexpected failed record %+v", failed)
	}
	if env.status(t, "rec-3").Status != domain.StatusSynced {
		t.Fatalf("batch must continue past a failed record")
	}

	if len(progress) != 3 {
		t.Fatalf("expected 3 progress reports, got %d", len(progress))
	}
	for i, p := range progress {
		if p.Current != i+1 || p.Total != 3 {
			t.Fatalf("progress %d: expected %d/3, got %d/%d", i, i+1, p.Current, p.Total)
		}
	}
}

func TestRunStopsWhenConnectionDropsMidBatch(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-1", "2026-03-01T08:00:00Z")
	env.seed(t, "rec-2", "2026-03-01T08:01:00Z")
	env.seed(t, "rec-3", "2026-03-01T08:02:00Z")
	env.Remote.onCall = func(rec domain.QueueRecord) {
		if rec.ID == "rec-1" {
			env.Network.set(domain.QualityOffline)
		}
	}

	result, err := env.Exec.Run(env.Ctx, executor.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Incomplete {
		t.Fatalf("expected incomplete run")
	}
	if result.Success {
		t.Fatalf("incomplete run cannot be success")
	}
	if result.SyncedCount != 1 {
		t.Fatalf("expected 1 synced, got %d", result.SyncedCount)
	}
	if env.status(t, "rec-1").Status != domain.StatusSynced {
		t.Fatalf("rec-1 should be synced")
	}
	for _, id := range []string{"rec-2", "rec-3"} {
		if rec := env.status(t, id); rec.Status != domain.StatusPending {
			t.Fatalf("%s should stay pending, got %s", id, rec.Status)
		}
	}
}

func TestRetryCountAccumulates(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-1", "2026-03-01T08:00:00Z")
	env.Remote.fail["rec-1"] = &remote.APIError{StatusCode: 503, Message: "unavailable"}

	if _, err := env.Exec.Run(env.Ctx, executor.Options{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// manual sync skips failed records entirely
	if _, err := env.Exec.Run(env.Ctx, executor.Options{}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if rec := env.status(t, "rec-1"); rec.RetryCount != 1 {
		t.Fatalf("manual run must not touch failed records, retry=%d", rec.RetryCount)
	}

	if _, err := env.Exec.Run(env.Ctx, executor.Options{IncludeFailed: true}); err != nil {
		t.Fatalf("retry run: %v", err)
	}
	rec := env.status(t, "rec-1")
	if rec.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", rec.RetryCount)
	}
	if rec.Status != domain.StatusFailed {
		t.Fatalf("record must remain failed, got %s", rec.Status)
	}

	// a later success clears the error but the counter keeps its history
	delete(env.Remote.fail, "rec-1")
	if _, err := env.Exec.Run(env.Ctx, executor.Options{IncludeFailed: true}); err != nil {
		t.Fatalf("final run: %v", err)
	}
	rec = env.status(t, "rec-1")
	if rec.Status != domain.StatusSynced || rec.ErrorMessage != "" {
		t.Fatalf("expected clean synced record, got %+v", rec)
	}
}

func TestRetryBatchOrdersByCreation(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-old-failed", "2026-03-01T07:00:00Z")
	env.seed(t, "rec-new-pending", "2026-03-01T09:00:00Z")
	failed := domain.StatusFailed
	if err := env.Store.Update(env.Ctx, "rec-old-failed", queue.Fields{Status: &failed}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if _, err := env.Exec.Run(env.Ctx, executor.Options{IncludeFailed: true}); err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := env.Remote.uploaded()
	if len(calls) != 2 || calls[0] != "rec-old-failed" || calls[1] != "rec-new-pending" {
		t.Fatalf("expected oldest-first merged batch, got %v", calls)
	}
}

func TestTargetedRunRejectsSynced(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-1", "2026-03-01T08:00:00Z")
	synced := domain.StatusSynced
	if err := env.Store.Update(env.Ctx, "rec-1", queue.Fields{Status: &synced}); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	if _, err := env.Exec.Run(env.Ctx, executor.Options{TargetID: "rec-1"}); err == nil {
		t.Fatalf("expected error for synced target")
	}
	if _, err := env.Exec.Run(env.Ctx, executor.Options{TargetID: "missing"}); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTargetedRunSyncsOneRecord(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-1", "2026-03-01T08:00:00Z")
	env.seed(t, "rec-2", "2026-03-01T08:01:00Z")

	result, err := env.Exec.Run(env.Ctx, executor.Options{TargetID: "rec-2"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Success || result.SyncedCount != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if env.status(t, "rec-1").Status != domain.StatusPending {
		t.Fatalf("untargeted record must stay pending")
	}
	if env.status(t, "rec-2").Status != domain.StatusSynced {
		t.Fatalf("target not synced")
	}
}

func TestStorageFailureStopsRun(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-1", "2026-03-01T08:00:00Z")
	env.seed(t, "rec-2", "2026-03-01T08:01:00Z")
	env.Remote.onCall = func(rec domain.QueueRecord) {
		if rec.ID == "rec-1" {
			// simulate losing the local store mid-run
			env.Store.DB.Close()
		}
	}

	result, err := env.Exec.Run(env.Ctx, executor.Options{})
	if err == nil {
		t.Fatalf("expected storage error")
	}
	var se *queue.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %T %v", err, err)
	}
	if !result.Incomplete || result.Success {
		t.Fatalf("storage failure must mark run incomplete, got %+v", result)
	}
	// only the record whose write failed was attempted
	if calls := env.Remote.uploaded(); len(calls) != 1 {
		t.Fatalf("run must stop after storage failure, got calls %v", calls)
	}
}

func TestRunSkipsRecordDeletedMidRun(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-1", "2026-03-01T08:00:00Z")
	env.seed(t, "rec-2", "2026-03-01T08:01:00Z")
	env.Remote.onCall = func(rec domain.QueueRecord) {
		if rec.ID == "rec-1" {
			// user deletes the record while its upload is in flight
			if err := env.Store.Remove(env.Ctx, "rec-1"); err != nil {
				t.Errorf("remove: %v", err)
			}
		}
	}

	result, err := env.Exec.Run(env.Ctx, executor.Options{})
	if err != nil {
		t.Fatalf("a vanished record must not abort the run: %v", err)
	}
	if result.Incomplete {
		t.Fatalf("run must continue past a deleted record")
	}
	if result.SyncedCount != 1 {
		t.Fatalf("expected only rec-2 counted, got %d", result.SyncedCount)
	}
	if !result.Success {
		t.Fatalf("unexpected result %+v", result)
	}
	if env.status(t, "rec-2").Status != domain.StatusSynced {
		t.Fatalf("rec-2 should be synced")
	}
	if _, err := env.Store.Get(env.Ctx, "rec-1"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("rec-1 should stay deleted, got %v", err)
	}
}

func TestNoRecordLeftSyncing(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-1", "2026-03-01T08:00:00Z")
	env.seed(t, "rec-2", "2026-03-01T08:01:00Z")
	env.Remote.fail["rec-1"] = errors.New("connection reset")

	if _, err := env.Exec.Run(env.Ctx, executor.Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	records, err := env.Store.List(env.Ctx, domain.StatusSyncing)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records stuck in syncing: %+v", records)
	}
}
