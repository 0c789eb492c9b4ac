package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sitesync/internal/domain"
	"sitesync/internal/events"
	"sitesync/internal/executor"
	"sitesync/internal/netmon"
	"sitesync/internal/queue"
)

// ErrSyncInFlight rejects a second sync trigger while one run is active.
// Triggers are rejected rather than queued; callers re-trigger later.
var ErrSyncInFlight = errors.New("sync already in progress")

// Snapshot is the observable state consumed by the UI.
type Snapshot struct {
	Online       bool              `json:"online"`
	Quality      string            `json:"quality"`
	PendingCount int               `json:"pending_count"`
	FailedCount  int               `json:"failed_count"`
	Syncing      bool              `json:"syncing"`
	Progress     domain.Progress   `json:"progress"`
	LastSyncTime time.Time         `json:"last_sync_time"`
	LastResult   *domain.RunResult `json:"last_result,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
}

// Coordinator aggregates monitor, queue and executor into one observable
// state object and owns the mutual exclusion around sync runs.
type Coordinator struct {
	Store    queue.Store
	Monitor  *netmon.Monitor
	Exec     executor.Executor
	Events   events.Writer
	Log      *slog.Logger
	AutoSync bool
	Now      func() time.Time

	mu          sync.RWMutex
	state       Snapshot
	subscribers map[int]chan Snapshot
	nextSubID   int
}

// New wires the coordinator and hooks the monitor for reconnect-triggered
// sync. Call Close when done.
func New(store queue.Store, mon *netmon.Monitor, exec executor.Executor, ew events.Writer, log *slog.Logger, autoSync bool) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		Store:       store,
		Monitor:     mon,
		Exec:        exec,
		Events:      ew,
		Log:         log,
		AutoSync:    autoSync,
		Now:         time.Now,
		subscribers: map[int]chan Snapshot{},
	}
	c.state.Quality = mon.Current()
	c.state.Online = mon.Online()
	mon.Notify(c.onNetworkChange)
	return c
}

// State returns a copy of the current snapshot.
func (c *Coordinator) State() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Subscribe returns a buffered channel receiving state snapshots. Slow
// consumers drop intermediate snapshots instead of blocking the core.
func (c *Coordinator) Subscribe() (int, <-chan Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	ch := make(chan Snapshot, 16)
	c.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscription.
func (c *Coordinator) Unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.subscribers[id]; ok {
		delete(c.subscribers, id)
		close(ch)
	}
}

// Close tears down all subscriptions.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subscribers {
		delete(c.subscribers, id)
		close(ch)
	}
}

// Enqueue validates and stores a new assessment as pending, then kicks off an
// opportunistic sync when online. The write path always queues first, even
// online, so submission never depends on the network.
func (c *Coordinator) Enqueue(ctx context.Context, data domain.Assessment, photoPath string) (domain.QueueRecord, error) {
	rec := domain.QueueRecord{
		ID:        uuid.New().String(),
		Data:      data,
		Status:    domain.StatusPending,
		PhotoPath: photoPath,
	}
	if err := c.Store.Insert(ctx, rec); err != nil {
		return domain.QueueRecord{}, err
	}
	stored, err := c.Store.Get(ctx, rec.ID)
	if err != nil {
		return domain.QueueRecord{}, err
	}
	_ = c.Events.Append(ctx, events.TypeRecordQueued, rec.ID, events.EventPayload{
		"category": data.Category,
		"element":  data.Element,
	})
	c.refreshCounts(ctx)
	if c.AutoSync && c.Monitor.Online() {
		go func() {
			if _, err := c.ManualSync(context.Background()); err != nil && !errors.Is(err, ErrSyncInFlight) {
				c.Log.Warn("opportunistic sync failed", "error", err)
			}
		}()
	}
	return stored, nil
}

// ManualSync drains pending records only. Failed records are isolated from
// the normal path and require an explicit retry.
func (c *Coordinator) ManualSync(ctx context.Context) (domain.RunResult, error) {
	return c.run(ctx, executor.Options{})
}

// RetrySync retries failed work: a single record when id is given, otherwise
// every failed record along with pending ones.
func (c *Coordinator) RetrySync(ctx context.Context, id string) (domain.RunResult, error) {
	if id != "" {
		return c.run(ctx, executor.Options{TargetID: id})
	}
	return c.run(ctx, executor.Options{IncludeFailed: true})
}

func (c *Coordinator) run(ctx context.Context, opts executor.Options) (domain.RunResult, error) {
	c.mu.Lock()
	if c.state.Syncing {
		c.mu.Unlock()
		return domain.RunResult{}, ErrSyncInFlight
	}
	c.state.Syncing = true
	c.state.Progress = domain.Progress{}
	c.state.LastError = ""
	c.publishLocked()
	c.mu.Unlock()

	opts.Progress = func(p domain.Progress) {
		c.mu.Lock()
		c.state.Progress = p
		c.publishLocked()
		c.mu.Unlock()
	}

	result, err := c.Exec.Run(ctx, opts)

	c.mu.Lock()
	c.state.Syncing = false
	c.state.LastSyncTime = c.Now()
	c.state.LastResult = &result
	if err != nil {
		c.state.LastError = err.Error()
	}
	c.mu.Unlock()
	c.refreshCounts(ctx)

	if err != nil {
		c.Log.Warn("sync run aborted", "error", err, "synced", result.SyncedCount, "failed", result.FailedCount)
	} else {
		c.Log.Info("sync run finished", "success", result.Success, "synced", result.SyncedCount, "failed", result.FailedCount)
	}
	return result, err
}

// ResetRetry zeroes the retry counter of a failed record and requeues it.
func (c *Coordinator) ResetRetry(ctx context.Context, id string) error {
	if err := c.Store.ResetRetry(ctx, id); err != nil {
		return err
	}
	_ = c.Events.Append(ctx, events.TypeRetryReset, id, nil)
	c.refreshCounts(ctx)
	return nil
}

// Delete removes a record explicitly.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	if err := c.Store.Remove(ctx, id); err != nil {
		return err
	}
	_ = c.Events.Append(ctx, events.TypeRecordDeleted, id, nil)
	c.refreshCounts(ctx)
	return nil
}

// Records lists queue records for display, optionally filtered by status.
func (c *Coordinator) Records(ctx context.Context, status string) ([]domain.QueueRecord, error) {
	return c.Store.List(ctx, status)
}

// RefreshPendingCount forces a recount from the store.
func (c *Coordinator) RefreshPendingCount(ctx context.Context) (int, error) {
	counts, err := c.Store.CountByStatus(ctx)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.state.PendingCount = counts[domain.StatusPending]
	c.state.FailedCount = counts[domain.StatusFailed]
	pending := c.state.PendingCount
	c.publishLocked()
	c.mu.Unlock()
	return pending, nil
}

func (c *Coordinator) refreshCounts(ctx context.Context) {
	if _, err := c.RefreshPendingCount(ctx); err != nil {
		c.Log.Warn("refresh pending count", "error", err)
	}
}

// onNetworkChange mirrors monitor state into the snapshot and fires a sync
// when connectivity returns and work is waiting. Quality upgrades between
// non-offline levels never trigger a run.
func (c *Coordinator) onNetworkChange(ch netmon.Change) {
	c.mu.Lock()
	c.state.Quality = ch.To
	c.state.Online = ch.To != domain.QualityOffline
	pending := c.state.PendingCount
	c.publishLocked()
	c.mu.Unlock()

	if c.AutoSync && ch.From == domain.QualityOffline && ch.To != domain.QualityOffline && pending > 0 {
		go func() {
			if _, err := c.ManualSync(context.Background()); err != nil && !errors.Is(err, ErrSyncInFlight) {
				c.Log.Warn("reconnect sync failed", "error", err)
			}
		}()
	}
}

// publishLocked fans the current snapshot out to subscribers. Callers hold mu.
func (c *Coordinator) publishLocked() {
	for _, ch := range c.subscribers {
		select {
		case ch <- c.state:
		default:
		}
	}
}
