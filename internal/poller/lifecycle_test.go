package poller

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"lanlu-tracker/internal/events"
	"lanlu-tracker/internal/models"
	"lanlu-tracker/internal/queuestore"
	"lanlu-tracker/internal/reconciler"
	"lanlu-tracker/internal/taskpool"
)

// Walks one entry through the whole pipeline: download completes, the scan
// task is discovered on a later tick, and the scan's completion yields the
// final archive id.
func TestDownloadScanLifecycle(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := queuestore.NewStore(client, 100)
	bus := events.NewBus()
	s := collect(bus)

	fetcher := newStubFetcher()
	fetcher.setTask("42", models.Task{ID: "42", Status: models.TaskCompleted, Progress: 100, Message: "done"})

	entry := queuedEntry("e1", "42")
	if err := store.Upsert(ctx, entry); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	rec := reconciler.New(bus, store, time.Hour)
	p := New(bus, fetcher, time.Hour, 5)
	rec.OnFlush(p.UpdateEntries)
	rec.Start()
	defer rec.Stop()

	// Tick 1: download completed, no scan task in the group yet.
	p.Start("tok", []models.QueueEntry{entry})
	defer p.Stop()
	rec.Flush(ctx)

	got, ok, err := store.Get(ctx, "e1")
	if err != nil || !ok {
		t.Fatalf("read entry: ok=%v err=%v", ok, err)
	}
	if got.Status != models.StatusCompleted || got.DownloadProgress != 100 {
		t.Fatalf("after tick 1: %+v", got)
	}
	if got.ScanTaskID != "" || got.ArchiveID != "" {
		t.Fatalf("expected no scan task yet: %+v", got)
	}

	// Tick 2: the server has created the scan task.
	fetcher.setGroup(taskpool.GroupID("42"), []models.Task{
		{ID: "42", TaskType: "download_url", Status: models.TaskCompleted},
		{ID: "99", TaskType: models.TaskTypeScan, Status: models.TaskPending, Progress: 0},
	})
	p.PollOnce(ctx)
	rec.Flush(ctx)

	got, _, err = store.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if got.ScanTaskID != "99" || got.Status != models.StatusQueued {
		t.Fatalf("after tick 2: %+v", got)
	}
	if len(s.byKind(events.TypeDiscovered)) != 1 {
		t.Fatal("expected exactly one discovered event")
	}

	// Tick 3: the scan finishes and reports the archive id.
	fetcher.setTask("99", models.Task{
		ID:       "99",
		TaskType: models.TaskTypeScan,
		Status:   models.TaskCompleted,
		Progress: 100,
		Result:   `{"archive_id":"abc123"}`,
	})
	p.PollOnce(ctx)
	rec.Flush(ctx)

	got, _, err = store.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if got.Status != models.StatusCompleted || got.ArchiveID != "abc123" {
		t.Fatalf("after tick 3: %+v", got)
	}
	if len(s.byKind(events.TypeComplete)) != 1 {
		t.Fatal("expected exactly one complete event")
	}

	// The entry is terminal: further ticks poll nothing and publish nothing.
	before := s.total()
	calls := fetcher.taskCalls.Load()
	p.PollOnce(ctx)
	rec.Flush(ctx)
	if s.total() != before || fetcher.taskCalls.Load() != calls {
		t.Fatal("terminal entries must not be polled")
	}
}

// A completed scan whose result payload is malformed leaves the archive id
// unset and must not publish complete.
func TestMalformedScanResult(t *testing.T) {
	bus := events.NewBus()
	s := collect(bus)

	fetcher := newStubFetcher()
	fetcher.setTask("99", models.Task{ID: "99", Status: models.TaskCompleted, Progress: 100, Result: "not json"})

	entry := models.QueueEntry{
		ID:             "e1",
		URL:            "http://example.com/e1",
		Status:         models.StatusRunning,
		DownloadTaskID: "42",
		ScanTaskID:     "99",
		CreatedAt:      time.Now().UTC(),
	}

	p := New(bus, fetcher, time.Hour, 5)
	p.Start("tok", []models.QueueEntry{entry})
	defer p.Stop()

	if got := len(s.byKind(events.TypeComplete)); got != 0 {
		t.Fatalf("expected no complete event, got %d", got)
	}
	updates := s.byKind(events.TypeUpdate)
	if len(updates) != 1 {
		t.Fatalf("expected one update, got %d", len(updates))
	}
	if updates[0].Update.ArchiveID != nil {
		t.Fatal("expected no archive id on malformed result")
	}
	if updates[0].Update.Status == nil || *updates[0].Update.Status != models.StatusCompleted {
		t.Fatalf("expected completed status, got %+v", updates[0].Update)
	}
}
