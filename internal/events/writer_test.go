package events_test

import (
	"context"
	"strings"
	"testing"

	"sitesync/internal/db"
	"sitesync/internal/events"
	"sitesync/internal/migrate"
)

func newWriter(t *testing.T) events.Writer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return events.Writer{DB: conn}
}

func TestAppendAndLatest(t *testing.T) {
	w := newWriter(t)
	ctx := context.Background()
	if err := w.Append(ctx, events.TypeRecordQueued, "rec-1", events.EventPayload{"category": "roofing"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(ctx, events.TypeRunStarted, "", events.EventPayload{"total": 1}); err != nil {
		t.Fatalf("append run event: %v", err)
	}
	if err := w.Append(ctx, events.TypeRecordSynced, "rec-1", nil); err != nil {
		t.Fatalf("append synced: %v", err)
	}

	items, err := w.Latest(ctx, 10, "")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 events, got %d", len(items))
	}
	// newest first
	if items[0].Type != events.TypeRecordSynced || items[2].Type != events.TypeRecordQueued {
		t.Fatalf("unexpected order: %s ... %s", items[0].Type, items[2].Type)
	}
	if !strings.Contains(items[2].Payload, "roofing") {
		t.Fatalf("payload not stored: %s", items[2].Payload)
	}
}

func TestLatestFiltersByRecord(t *testing.T) {
	w := newWriter(t)
	ctx := context.Background()
	_ = w.Append(ctx, events.TypeRecordQueued, "rec-1", nil)
	_ = w.Append(ctx, events.TypeRecordQueued, "rec-2", nil)
	_ = w.Append(ctx, events.TypeRecordFailed, "rec-2", nil)

	items, err := w.Latest(ctx, 10, "rec-2")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 events for rec-2, got %d", len(items))
	}
	for _, e := range items {
		if e.RecordID != "rec-2" {
			t.Fatalf("filter leaked record %s", e.RecordID)
		}
	}
}

func TestLatestLimit(t *testing.T) {
	w := newWriter(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = w.Append(ctx, events.TypeRecordQueued, "rec-1", nil)
	}
	items, err := w.Latest(ctx, 2, "")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected limit 2, got %d", len(items))
	}
}
