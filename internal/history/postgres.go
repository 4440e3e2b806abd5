package history

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"lanlu-tracker/internal/events"
	"lanlu-tracker/internal/models"
	"lanlu-tracker/internal/queuestore"
)

// Sink records terminal entry outcomes in Postgres so completed and failed
// archive requests survive queue-store eviction. It is an optional bus
// consumer; the tracker runs fine without it.
type Sink struct {
	pool   *pgxpool.Pool
	store  *queuestore.Store
	tokens []events.Subscription
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, store *queuestore.Store) (*Sink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Sink{pool: pool, store: store}, nil
}

func (s *Sink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Attach subscribes the sink to completion and failure events.
func (s *Sink) Attach(bus *events.Bus) {
	s.tokens = append(s.tokens,
		bus.Subscribe(events.TypeComplete, s.onEvent),
		bus.Subscribe(events.TypeUpdate, s.onEvent),
	)
}

// Detach removes the sink's subscriptions.
func (s *Sink) Detach(bus *events.Bus) {
	for _, t := range s.tokens {
		bus.Unsubscribe(t)
	}
	s.tokens = nil
}

func (s *Sink) onEvent(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var outcome, archiveID, detail string
	switch {
	case ev.Kind == events.TypeComplete && ev.Complete != nil:
		outcome = models.StatusCompleted
		archiveID = ev.Complete.ArchiveID
	case ev.Kind == events.TypeUpdate && ev.Update != nil &&
		ev.Update.Status != nil && *ev.Update.Status == models.StatusFailed:
		outcome = models.StatusFailed
		if ev.Update.Error != nil {
			detail = *ev.Update.Error
		}
	default:
		return
	}

	entry, ok, err := s.store.Get(ctx, ev.EntryID)
	if err != nil {
		log.Printf("history: read entry %s: %v", ev.EntryID, err)
		return
	}
	if !ok {
		return
	}
	if archiveID == "" {
		archiveID = entry.ArchiveID
	}

	if err := s.record(ctx, entry, outcome, archiveID, detail); err != nil {
		log.Printf("history: record entry %s: %v", ev.EntryID, err)
	}
}

func (s *Sink) record(ctx context.Context, e models.QueueEntry, outcome, archiveID, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO archive_history (entry_id, url, title, archive_id, outcome, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, e.ID, e.URL, e.Title, archiveID, outcome, detail)
	return err
}

// Recent returns the latest recorded outcomes, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, url, title, archive_id, outcome, detail, recorded_at
		FROM archive_history ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.EntryID, &r.URL, &r.Title, &r.ArchiveID, &r.Outcome, &r.Detail, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Record is one archived-outcome row.
type Record struct {
	EntryID    string    `json:"entry_id"`
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
	ArchiveID  string    `json:"archive_id,omitempty"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}
