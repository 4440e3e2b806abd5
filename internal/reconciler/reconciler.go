package reconciler

import (
	"context"
	"log"
	"sync"
	"time"

	"lanlu-tracker/internal/events"
	"lanlu-tracker/internal/models"
	"lanlu-tracker/internal/queuestore"
)

const defaultFlushInterval = 250 * time.Millisecond

// Reconciler is the single writer of the queue store besides the enqueue flow.
// It buffers bus events and applies them as entry patches in batches, so a
// burst of per-tick events produces bounded store writes.
type Reconciler struct {
	bus      *events.Bus
	store    *queuestore.Store
	interval time.Duration
	onError  func(entryID string, err error)
	onFlush  func([]models.QueueEntry)

	mu     sync.Mutex
	buffer []events.Event

	tokens []events.Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(bus *events.Bus, store *queuestore.Store, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &Reconciler{
		bus:      bus,
		store:    store,
		interval: interval,
		onError: func(entryID string, err error) {
			log.Printf("reconciler: entry %s: %v", entryID, err)
		},
	}
}

// OnError replaces the per-event failure callback. A failing event never stops
// the rest of the batch.
func (r *Reconciler) OnError(fn func(entryID string, err error)) {
	if fn != nil {
		r.onError = fn
	}
}

// OnFlush registers a hook invoked with the full store contents after any
// flush that wrote at least one patch. The daemon uses it to refresh the
// poller's entries snapshot.
func (r *Reconciler) OnFlush(fn func([]models.QueueEntry)) {
	r.onFlush = fn
}

// Start subscribes to all event types and begins the background flusher.
func (r *Reconciler) Start() {
	r.tokens = r.bus.SubscribeAll(r.buffered)
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.loop()
}

// Stop unsubscribes from the bus, flushes whatever is buffered, and returns.
func (r *Reconciler) Stop() {
	for _, t := range r.tokens {
		r.bus.Unsubscribe(t)
	}
	r.tokens = nil
	if r.stopCh != nil {
		close(r.stopCh)
		r.wg.Wait()
		r.stopCh = nil
	}
	r.Flush(context.Background())
}

func (r *Reconciler) buffered(ev events.Event) {
	r.mu.Lock()
	r.buffer = append(r.buffer, ev)
	r.mu.Unlock()
}

func (r *Reconciler) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Flush(context.Background())
		}
	}
}

// Flush drains the buffer and applies each event in arrival order. Events for
// unknown (deleted) or terminal entries are dropped.
func (r *Reconciler) Flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.buffer
	r.buffer = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	wrote := false
	for _, ev := range batch {
		changed, err := r.apply(ctx, ev)
		if err != nil {
			r.onError(ev.EntryID, err)
			continue
		}
		wrote = wrote || changed
	}

	if wrote && r.onFlush != nil {
		entries, err := r.store.List(ctx)
		if err != nil {
			log.Printf("reconciler: refresh snapshot: %v", err)
			return
		}
		r.onFlush(entries)
	}
}

func (r *Reconciler) apply(ctx context.Context, ev events.Event) (bool, error) {
	entry, ok, err := r.store.Get(ctx, ev.EntryID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if entry.Terminal() {
		// Completed entries with a known archive id accept no further patches.
		return false, nil
	}

	next := entry
	switch ev.Kind {
	case events.TypeUpdate:
		if ev.Update == nil {
			return false, nil
		}
		applyUpdate(&next, ev.Update)
	case events.TypeProgress:
		if ev.Progress == nil {
			return false, nil
		}
		applyProgress(&next, ev.Progress.Download, ev.Progress.Scan)
	case events.TypeComplete:
		if ev.Complete == nil {
			return false, nil
		}
		next.Status = models.StatusCompleted
		next.ArchiveID = ev.Complete.ArchiveID
	case events.TypeError:
		if ev.Error == nil {
			return false, nil
		}
		// The error message is data; status only moves when a task itself
		// reports failed, which arrives as an update. The entry stays
		// retryable on the next tick.
		next.Error = ev.Error.Message
	case events.TypeDiscovered:
		if ev.Discovered == nil {
			return false, nil
		}
		next.ScanTaskID = ev.Discovered.ScanTaskID
	default:
		return false, nil
	}

	if next == entry {
		return false, nil
	}
	next.UpdatedAt = time.Now().UTC()
	if err := r.store.Upsert(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

func applyUpdate(e *models.QueueEntry, up *events.UpdatePayload) {
	if up.Status != nil {
		e.Status = *up.Status
	}
	applyProgress(e, up.Download, up.Scan)
	if up.Error != nil {
		e.Error = *up.Error
	}
	if up.ArchiveID != nil {
		e.ArchiveID = *up.ArchiveID
	}
	if up.ScanTaskID != nil {
		e.ScanTaskID = *up.ScanTaskID
	}
}

func applyProgress(e *models.QueueEntry, download, scan *events.ProgressPatch) {
	if download != nil {
		e.DownloadProgress = download.Progress
		e.DownloadMessage = download.Message
	}
	if scan != nil {
		e.ScanProgress = scan.Progress
		e.ScanMessage = scan.Message
	}
}
