package poller

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"lanlu-tracker/internal/events"
	"lanlu-tracker/internal/models"
	"lanlu-tracker/internal/taskpool"
	"lanlu-tracker/internal/telemetry"
)

// Fetcher is the slice of the task-pool client the poller needs.
type Fetcher interface {
	Task(ctx context.Context, token, id string) (models.Task, error)
	Group(ctx context.Context, token, groupID string) ([]models.Task, error)
}

const (
	defaultInterval  = 5 * time.Second
	defaultBatchSize = 5
)

// Poller periodically inspects a caller-supplied snapshot of queue entries,
// issues bounded-concurrency status requests against the task pool, and
// publishes normalized lifecycle events on the bus. It owns all timing state;
// it never writes the queue store itself.
type Poller struct {
	bus       *events.Bus
	fetcher   Fetcher
	interval  time.Duration
	batchSize int

	mu      sync.Mutex
	token   string
	entries []models.QueueEntry
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// inFlight prevents overlapping ticks when the task pool is slower than
	// the poll interval.
	inFlight atomic.Bool
}

func New(bus *events.Bus, fetcher Fetcher, interval time.Duration, batchSize int) *Poller {
	if interval <= 0 {
		interval = defaultInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Poller{
		bus:       bus,
		fetcher:   fetcher,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Start begins polling: one immediate tick, then one every interval. Calling
// Start while already running restarts the timer with the new auth/entries.
func (p *Poller) Start(token string, entries []models.QueueEntry) {
	p.mu.Lock()
	if p.running {
		stop := p.stopCh
		p.mu.Unlock()
		close(stop)
		p.wg.Wait()
		p.mu.Lock()
	}
	p.token = token
	p.entries = copyEntries(entries)
	p.running = true
	p.stopCh = make(chan struct{})
	stop := p.stopCh
	p.mu.Unlock()

	// One immediate tick, then the timer takes over.
	p.tick(context.Background())

	p.wg.Add(1)
	go p.loop(stop)
}

// Stop cancels future ticks. A tick already in flight finishes and may still
// publish events shortly after Stop returns.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stop := p.stopCh
	p.mu.Unlock()
	close(stop)
	p.wg.Wait()
}

// UpdateAuth replaces the token used by the next tick.
func (p *Poller) UpdateAuth(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

// UpdateEntries replaces the entries snapshot used by the next tick. The
// snapshot is copied; the poller never mutates caller data.
func (p *Poller) UpdateEntries(entries []models.QueueEntry) {
	p.mu.Lock()
	p.entries = copyEntries(entries)
	p.mu.Unlock()
}

// PollOnce runs a single tick outside the timer, subject to the same
// reentrancy guard. It is a no-op while another tick is in flight.
func (p *Poller) PollOnce(ctx context.Context) {
	p.tick(ctx)
}

func (p *Poller) loop(stop chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.tick(context.Background())
		}
	}
}

// tick runs one scan-and-update cycle over the active set. It never returns
// an error: every failure is either published as an event or logged.
func (p *Poller) tick(ctx context.Context) {
	p.mu.Lock()
	running := p.running
	token := p.token
	snapshot := copyEntries(p.entries)
	p.mu.Unlock()

	if !running || token == "" {
		return
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		telemetry.TicksSkipped.Inc()
		return
	}
	defer p.inFlight.Store(false)
	telemetry.TicksTotal.Inc()

	active := snapshot[:0]
	for _, e := range snapshot {
		if e.Active() {
			active = append(active, e)
		}
	}
	telemetry.ActiveEntries.Set(float64(len(active)))

	// Sequential batches bound peak concurrency to the batch size regardless
	// of how many entries are live.
	for start := 0; start < len(active); start += p.batchSize {
		end := min(start+p.batchSize, len(active))
		var wg sync.WaitGroup
		for _, e := range active[start:end] {
			wg.Add(1)
			go func(entry models.QueueEntry) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						log.Printf("poller: entry %s: %v", entry.ID, r)
					}
				}()
				p.pollEntry(ctx, token, entry)
			}(e)
		}
		wg.Wait()
	}
}

// pollEntry runs the applicable actions for one entry. Each action has its own
// precondition; a single entry can trigger up to three requests per tick.
func (p *Poller) pollEntry(ctx context.Context, token string, e models.QueueEntry) {
	live := e.Status == models.StatusQueued || e.Status == models.StatusRunning

	// Once the scan task is known it is the entry's active task; the finished
	// download is not re-read.
	if live && e.DownloadTaskID != "" && e.ScanTaskID == "" {
		p.pollDownload(ctx, token, e)
	}
	if live && e.ScanTaskID != "" {
		p.pollScan(ctx, token, e)
	}
	if e.Status == models.StatusCompleted && e.DownloadTaskID != "" && e.ScanTaskID == "" && e.ArchiveID == "" {
		p.discoverScan(ctx, token, e)
	}
}

func (p *Poller) pollDownload(ctx context.Context, token string, e models.QueueEntry) {
	task, err := p.fetchTask(ctx, token, e.DownloadTaskID)
	if err != nil {
		log.Printf("poller: poll download task %s for entry %s: %v", e.DownloadTaskID, e.ID, err)
		p.publishError(e.ID, err, "download status check failed")
		return
	}

	patch := events.ProgressPatch{
		Progress: models.ClampProgress(float64(task.Progress)),
		Message:  task.Message,
	}
	p.bus.Publish(events.Event{
		Kind:     events.TypeProgress,
		EntryID:  e.ID,
		Progress: &events.ProgressPayload{Download: &patch},
	})

	status := models.NormalizeStatus(task.Status)
	if status != e.Status {
		up := events.UpdatePayload{Status: &status, Download: &patch}
		if status == models.StatusFailed {
			up.Error = strPtr(orDefault(task.Message, "download failed"))
		}
		p.bus.Publish(events.Event{Kind: events.TypeUpdate, EntryID: e.ID, Update: &up})
	}

	if task.Status == models.TaskCompleted && e.ScanTaskID == "" {
		p.discoverScan(ctx, token, e)
	}
}

func (p *Poller) pollScan(ctx context.Context, token string, e models.QueueEntry) {
	task, err := p.fetchTask(ctx, token, e.ScanTaskID)
	if err != nil {
		log.Printf("poller: poll scan task %s for entry %s: %v", e.ScanTaskID, e.ID, err)
		p.publishError(e.ID, err, "scan status check failed")
		return
	}

	patch := events.ProgressPatch{
		Progress: models.ClampProgress(float64(task.Progress)),
		Message:  task.Message,
	}
	p.bus.Publish(events.Event{
		Kind:     events.TypeProgress,
		EntryID:  e.ID,
		Progress: &events.ProgressPayload{Scan: &patch},
	})

	var archiveID string
	if task.Status == models.TaskCompleted {
		archiveID = models.ArchiveIDFromResult(task.Result)
	}
	status := models.NormalizeStatus(task.Status)
	known := archiveID
	if known == "" {
		known = e.ArchiveID
	}

	if status != e.Status || known != e.ArchiveID {
		up := events.UpdatePayload{Status: &status, Scan: &patch}
		if known != "" {
			up.ArchiveID = strPtr(known)
		}
		if status == models.StatusFailed {
			up.Error = strPtr(orDefault(task.Message, "scan failed"))
		}
		p.bus.Publish(events.Event{Kind: events.TypeUpdate, EntryID: e.ID, Update: &up})
	}

	if task.Status == models.TaskCompleted && archiveID != "" {
		telemetry.EntriesCompleted.Inc()
		p.bus.Publish(events.Event{
			Kind:     events.TypeComplete,
			EntryID:  e.ID,
			Complete: &events.CompletePayload{ArchiveID: archiveID},
		})
	}
}

// discoverScan looks for a scan task filed under the download task's group.
// Failures here are logged and swallowed: the group legitimately does not
// exist until the server creates the scan task, and a transient lookup error
// must never flip a completed download into an error state.
func (p *Poller) discoverScan(ctx context.Context, token string, e models.QueueEntry) {
	tasks, err := p.fetcher.Group(ctx, token, taskpool.GroupID(e.DownloadTaskID))
	if err != nil {
		log.Printf("poller: group lookup for entry %s: %v", e.ID, err)
		return
	}

	var scan models.Task
	found := false
	for _, t := range tasks {
		if t.TaskType == models.TaskTypeScan {
			scan = t
			found = true
			break
		}
	}
	if !found {
		return
	}

	scanID := string(scan.ID)
	telemetry.ScansDiscovered.Inc()
	p.bus.Publish(events.Event{
		Kind:       events.TypeDiscovered,
		EntryID:    e.ID,
		Discovered: &events.DiscoveredPayload{ScanTaskID: scanID},
	})

	status := models.NormalizeStatus(scan.Status)
	patch := events.ProgressPatch{
		Progress: models.ClampProgress(float64(scan.Progress)),
		Message:  scan.Message,
	}
	p.bus.Publish(events.Event{
		Kind:    events.TypeUpdate,
		EntryID: e.ID,
		Update: &events.UpdatePayload{
			Status:     &status,
			Scan:       &patch,
			ScanTaskID: strPtr(scanID),
		},
	})
}

func (p *Poller) fetchTask(ctx context.Context, token, id string) (models.Task, error) {
	telemetry.TaskPolls.Inc()
	telemetry.InFlightPolls.Inc()
	defer telemetry.InFlightPolls.Dec()
	task, err := p.fetcher.Task(ctx, token, id)
	if err != nil {
		telemetry.PollErrors.Inc()
	}
	return task, err
}

func (p *Poller) publishError(entryID string, err error, fallback string) {
	msg := fallback
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	p.bus.Publish(events.Event{
		Kind:    events.TypeError,
		EntryID: entryID,
		Error:   &events.ErrorPayload{Message: msg},
	})
}

func copyEntries(entries []models.QueueEntry) []models.QueueEntry {
	out := make([]models.QueueEntry, len(entries))
	copy(out, entries)
	return out
}

func strPtr(s string) *string { return &s }

func orDefault(s, def string) string {
	if s != "" {
		return s
	}
	return def
}
