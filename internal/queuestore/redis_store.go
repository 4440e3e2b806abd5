package queuestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"lanlu-tracker/internal/models"
)

// keyPrefix versions the on-wire layout of the queue store.
const keyPrefix = "lanlu_download_queue:v1"

const defaultCap = 100

// Store persists the ordered list of queue entries in Redis: a hash of
// id -> JSON entry plus a sorted set ordering entries by creation time.
// Inserts beyond the cap evict the oldest entries.
type Store struct {
	client *redis.Client
	cap    int
}

// NewStore wraps an existing Redis client. A cap of zero means 100.
func NewStore(client *redis.Client, cap int) *Store {
	if cap <= 0 {
		cap = defaultCap
	}
	return &Store{client: client, cap: cap}
}

func entriesKey() string { return keyPrefix + ":entries" }
func orderKey() string   { return keyPrefix + ":order" }

// Upsert writes an entry and enforces the store cap.
func (s *Store) Upsert(ctx context.Context, e models.QueueEntry) error {
	if e.ID == "" {
		return errors.New("entry id is required")
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, entriesKey(), e.ID, raw)
	pipe.ZAdd(ctx, orderKey(), redis.Z{Score: float64(e.CreatedAt.UnixMilli()), Member: e.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return s.trim(ctx)
}

// trim evicts the oldest entries above the cap.
func (s *Store) trim(ctx context.Context) error {
	total, err := s.client.ZCard(ctx, orderKey()).Result()
	if err != nil {
		return fmt.Errorf("count entries: %w", err)
	}
	excess := total - int64(s.cap)
	if excess <= 0 {
		return nil
	}
	ids, err := s.client.ZRange(ctx, orderKey(), 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("list oldest entries: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByRank(ctx, orderKey(), 0, excess-1)
	pipe.HDel(ctx, entriesKey(), ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("evict entries: %w", err)
	}
	return nil
}

// Get fetches one entry by id. The second return is false when absent.
func (s *Store) Get(ctx context.Context, id string) (models.QueueEntry, bool, error) {
	raw, err := s.client.HGet(ctx, entriesKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return models.QueueEntry{}, false, nil
	}
	if err != nil {
		return models.QueueEntry{}, false, fmt.Errorf("read entry %s: %w", id, err)
	}
	var e models.QueueEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return models.QueueEntry{}, false, fmt.Errorf("decode entry %s: %w", id, err)
	}
	return e, true, nil
}

// List returns every entry, newest first.
func (s *Store) List(ctx context.Context) ([]models.QueueEntry, error) {
	ids, err := s.client.ZRevRange(ctx, orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list entry ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := s.client.HMGet(ctx, entriesKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	out := make([]models.QueueEntry, 0, len(raws))
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			// Order index can briefly reference an evicted entry.
			continue
		}
		var e models.QueueEntry
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", ids[i], err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Delete removes one entry. Deleting an absent id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, orderKey(), id)
	pipe.HDel(ctx, entriesKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete entry %s: %w", id, err)
	}
	return nil
}

// ClearWhere deletes every entry matching the predicate and returns how many
// were removed.
func (s *Store) ClearWhere(ctx context.Context, match func(models.QueueEntry) bool) (int, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, e := range entries {
		if match(e) {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, orderKey(), id)
	}
	pipe.HDel(ctx, entriesKey(), ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("clear entries: %w", err)
	}
	return len(ids), nil
}
