package reconciler

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"lanlu-tracker/internal/events"
	"lanlu-tracker/internal/models"
	"lanlu-tracker/internal/queuestore"
)

func newFixture(t *testing.T) (*events.Bus, *queuestore.Store, *Reconciler) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := queuestore.NewStore(client, 100)
	bus := events.NewBus()
	rec := New(bus, store, time.Hour)
	rec.Start()
	t.Cleanup(rec.Stop)
	return bus, store, rec
}

func seed(t *testing.T, store *queuestore.Store, e models.QueueEntry) {
	t.Helper()
	if err := store.Upsert(context.Background(), e); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func baseEntry() models.QueueEntry {
	now := time.Now().UTC()
	return models.QueueEntry{
		ID:             "e1",
		URL:            "http://example.com/e1",
		Status:         models.StatusQueued,
		DownloadTaskID: "42",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestUpdatePatchesFields(t *testing.T) {
	ctx := context.Background()
	bus, store, rec := newFixture(t)
	seed(t, store, baseEntry())

	status := models.StatusRunning
	bus.Publish(events.Event{
		Kind:    events.TypeUpdate,
		EntryID: "e1",
		Update: &events.UpdatePayload{
			Status:   &status,
			Download: &events.ProgressPatch{Progress: 40, Message: "fetching"},
		},
	})
	rec.Flush(ctx)

	got, _, err := store.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusRunning || got.DownloadProgress != 40 || got.DownloadMessage != "fetching" {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if got.ScanProgress != 0 || got.ScanMessage != "" {
		t.Fatal("download patch must not touch scan fields")
	}
}

func TestProgressRouting(t *testing.T) {
	ctx := context.Background()
	bus, store, rec := newFixture(t)
	e := baseEntry()
	e.ScanTaskID = "99"
	seed(t, store, e)

	bus.Publish(events.Event{
		Kind:     events.TypeProgress,
		EntryID:  "e1",
		Progress: &events.ProgressPayload{Scan: &events.ProgressPatch{Progress: 25, Message: "indexing"}},
	})
	rec.Flush(ctx)

	got, _, _ := store.Get(ctx, "e1")
	if got.ScanProgress != 25 || got.ScanMessage != "indexing" {
		t.Fatalf("unexpected scan fields: %+v", got)
	}
	if got.DownloadProgress != 0 || got.DownloadMessage != "" {
		t.Fatal("scan patch must not touch download fields")
	}
}

func TestCompleteMarksTerminal(t *testing.T) {
	ctx := context.Background()
	bus, store, rec := newFixture(t)
	seed(t, store, baseEntry())

	bus.Publish(events.Event{
		Kind:     events.TypeComplete,
		EntryID:  "e1",
		Complete: &events.CompletePayload{ArchiveID: "abc123"},
	})
	rec.Flush(ctx)

	got, _, _ := store.Get(ctx, "e1")
	if got.Status != models.StatusCompleted || got.ArchiveID != "abc123" {
		t.Fatalf("unexpected entry: %+v", got)
	}

	// Terminal entries accept no further patches.
	status := models.StatusQueued
	bus.Publish(events.Event{Kind: events.TypeUpdate, EntryID: "e1", Update: &events.UpdatePayload{Status: &status}})
	rec.Flush(ctx)
	got, _, _ = store.Get(ctx, "e1")
	if got.Status != models.StatusCompleted {
		t.Fatalf("terminal entry regressed: %+v", got)
	}
}

func TestErrorSetsMessageNotStatus(t *testing.T) {
	ctx := context.Background()
	bus, store, rec := newFixture(t)
	seed(t, store, baseEntry())

	bus.Publish(events.Event{
		Kind:    events.TypeError,
		EntryID: "e1",
		Error:   &events.ErrorPayload{Message: "connection refused"},
	})
	rec.Flush(ctx)

	got, _, _ := store.Get(ctx, "e1")
	if got.Error != "connection refused" {
		t.Fatalf("expected error message recorded, got %+v", got)
	}
	if got.Status != models.StatusQueued {
		t.Fatalf("transient errors must not move status, got %q", got.Status)
	}
}

func TestDiscoveredSetsScanTask(t *testing.T) {
	ctx := context.Background()
	bus, store, rec := newFixture(t)
	e := baseEntry()
	e.Status = models.StatusCompleted
	seed(t, store, e)

	bus.Publish(events.Event{
		Kind:       events.TypeDiscovered,
		EntryID:    "e1",
		Discovered: &events.DiscoveredPayload{ScanTaskID: "99"},
	})
	rec.Flush(ctx)

	got, _, _ := store.Get(ctx, "e1")
	if got.ScanTaskID != "99" {
		t.Fatalf("expected scan task id set, got %+v", got)
	}
}

func TestNoOpPatchSkipsWrite(t *testing.T) {
	ctx := context.Background()
	bus, store, rec := newFixture(t)
	e := baseEntry()
	e.DownloadProgress = 40
	e.DownloadMessage = "fetching"
	seed(t, store, e)

	before, _, _ := store.Get(ctx, "e1")
	bus.Publish(events.Event{
		Kind:     events.TypeProgress,
		EntryID:  "e1",
		Progress: &events.ProgressPayload{Download: &events.ProgressPatch{Progress: 40, Message: "fetching"}},
	})
	rec.Flush(ctx)

	after, _, _ := store.Get(ctx, "e1")
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatal("identical patch must not bump updated_at")
	}
}

func TestUnknownEntryIsDropped(t *testing.T) {
	ctx := context.Background()
	bus, _, rec := newFixture(t)

	errs := 0
	rec.OnError(func(string, error) { errs++ })
	bus.Publish(events.Event{
		Kind:     events.TypeComplete,
		EntryID:  "ghost",
		Complete: &events.CompletePayload{ArchiveID: "abc"},
	})
	rec.Flush(ctx)

	if errs != 0 {
		t.Fatalf("events for deleted entries are not errors, got %d", errs)
	}
}

func TestOnFlushReportsStoreContents(t *testing.T) {
	ctx := context.Background()
	bus, store, rec := newFixture(t)
	seed(t, store, baseEntry())

	var snapshot []models.QueueEntry
	rec.OnFlush(func(entries []models.QueueEntry) { snapshot = entries })

	status := models.StatusRunning
	bus.Publish(events.Event{Kind: events.TypeUpdate, EntryID: "e1", Update: &events.UpdatePayload{Status: &status}})
	rec.Flush(ctx)

	if len(snapshot) != 1 || snapshot[0].Status != models.StatusRunning {
		t.Fatalf("expected refreshed snapshot, got %+v", snapshot)
	}
}
