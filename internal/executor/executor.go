package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"sitesync/internal/domain"
	"sitesync/internal/events"
	"sitesync/internal/queue"
	"sitesync/internal/remote"
)

// ErrOffline aborts a run before any record is touched.
var ErrOffline = errors.New("network unavailable")

// Uploader submits one record to the ingest API.
type Uploader interface {
	Upload(ctx context.Context, rec domain.QueueRecord) (remote.AssessmentResponse, error)
}

// NetworkState is the executor's read-only view of the monitor.
type NetworkState interface {
	Current() string
}

// Executor drains the queue against the ingest API, one record at a time.
// Sequential uploads bound bandwidth on poor links and keep progress exact.
type Executor struct {
	Store   queue.Store
	Remote  Uploader
	Network NetworkState
	Events  events.Writer
}

// Options select the candidate set for one run.
type Options struct {
	// TargetID restricts the run to a single pending or failed record.
	TargetID string
	// IncludeFailed adds failed records to the batch. Manual sync leaves
	// them alone; only the explicit retry-all entry point sets this.
	IncludeFailed bool
	// Progress, when set, is called after each record resolves.
	Progress func(domain.Progress)
}

// Run executes one sync pass. The returned error is run-level only: offline
// precondition or a storage failure that forced an early stop. Per-record
// upload failures land in the result, never here.
func (e Executor) Run(ctx context.Context, opts Options) (domain.RunResult, error) {
	result := domain.RunResult{}

	if e.Network.Current() == domain.QualityOffline {
		result.Errors = append(result.Errors, domain.RecordError{Error: ErrOffline.Error()})
		return result, ErrOffline
	}

	candidates, err := e.selectCandidates(ctx, opts)
	if err != nil {
		return result, err
	}
	if len(candidates) == 0 {
		result.Success = true
		return result, nil
	}

	_ = e.Events.Append(ctx, events.TypeRunStarted, "", events.EventPayload{"total": len(candidates)})

	total := len(candidates)
	for i, rec := range candidates {
		// Between-record network check: stop draining the moment the
		// link drops, leaving untouched candidates pending.
		if i > 0 && e.Network.Current() == domain.QualityOffline {
			result.Incomplete = true
			break
		}

		if err := e.transition(ctx, rec.ID, domain.StatusSyncing, "", rec.RetryCount); err != nil {
			// Deleted between candidate selection and now: not a storage
			// fault, just no longer ours to sync.
			if errors.Is(err, queue.ErrNotFound) {
				continue
			}
			return e.escalate(ctx, result, err)
		}

		_, upErr := e.Remote.Upload(ctx, rec)
		if upErr == nil {
			if err := e.transition(ctx, rec.ID, domain.StatusSynced, "", rec.RetryCount); err != nil {
				if errors.Is(err, queue.ErrNotFound) {
					continue
				}
				return e.escalate(ctx, result, err)
			}
			result.SyncedCount++
			_ = e.Events.Append(ctx, events.TypeRecordSynced, rec.ID, nil)
			e.report(opts, i+1, total, fmt.Sprintf("synced %s/%s", rec.Data.Category, rec.Data.Element))
			continue
		}

		reason := upErr.Error()
		if err := e.transition(ctx, rec.ID, domain.StatusFailed, reason, rec.RetryCount+1); err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				continue
			}
			return e.escalate(ctx, result, err)
		}
		result.FailedCount++
		result.Errors = append(result.Errors, domain.RecordError{ID: rec.ID, Error: reason})
		_ = e.Events.Append(ctx, events.TypeRecordFailed, rec.ID, events.EventPayload{"error": reason, "retry_count": rec.RetryCount + 1})
		e.report(opts, i+1, total, fmt.Sprintf("failed %s/%s", rec.Data.Category, rec.Data.Element))

		if e.Network.Current() == domain.QualityOffline {
			result.Incomplete = true
			break
		}
	}

	result.Success = result.FailedCount == 0 && !result.Incomplete
	_ = e.Events.Append(ctx, events.TypeRunFinished, "", events.EventPayload{
		"synced":     result.SyncedCount,
		"failed":     result.FailedCount,
		"incomplete": result.Incomplete,
	})
	return result, nil
}

func (e Executor) selectCandidates(ctx context.Context, opts Options) ([]domain.QueueRecord, error) {
	if opts.TargetID != "" {
		rec, err := e.Store.Get(ctx, opts.TargetID)
		if err != nil {
			return nil, err
		}
		if rec.Status != domain.StatusPending && rec.Status != domain.StatusFailed {
			return nil, fmt.Errorf("record %s is %s; only pending or failed records sync", rec.ID, rec.Status)
		}
		return []domain.QueueRecord{rec}, nil
	}
	pending, err := e.Store.List(ctx, domain.StatusPending)
	if err != nil {
		return nil, err
	}
	if !opts.IncludeFailed {
		return pending, nil
	}
	failed, err := e.Store.List(ctx, domain.StatusFailed)
	if err != nil {
		return nil, err
	}
	all := append(pending, failed...)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt != all[j].CreatedAt {
			return all[i].CreatedAt < all[j].CreatedAt
		}
		return all[i].ID < all[j].ID
	})
	return all, nil
}

// transition persists one status change. The record never advances in memory
// without a confirmed durable write.
func (e Executor) transition(ctx context.Context, id, status, errMsg string, retryCount int) error {
	f := queue.Fields{Status: &status}
	switch status {
	case domain.StatusSynced:
		empty := ""
		f.ErrorMessage = &empty
	case domain.StatusFailed:
		f.ErrorMessage = &errMsg
		f.RetryCount = &retryCount
	}
	return e.Store.Update(ctx, id, f)
}

// escalate handles a storage failure mid-run: stop processing, surface the
// error at run level. Queue consistency beats sync throughput.
func (e Executor) escalate(ctx context.Context, result domain.RunResult, err error) (domain.RunResult, error) {
	result.Incomplete = true
	result.Success = false
	_ = e.Events.Append(ctx, events.TypeRunFinished, "", events.EventPayload{
		"synced": result.SyncedCount,
		"failed": result.FailedCount,
		"error":  err.Error(),
	})
	return result, err
}

func (e Executor) report(opts Options, current, total int, label string) {
	if opts.Progress != nil {
		opts.Progress(domain.Progress{Current: current, Total: total, Label: label})
	}
}
