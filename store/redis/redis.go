// Package redis implements spice.CheckpointStore and spice.IdempotencyStore
// on Redis. Checkpoints live as JSON values with run/graph index sets;
// idempotency entries lean on Redis key TTLs, so DeleteExpired is a no-op
// for them.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/no-ai-labs/spice"
)

const (
	checkpointPrefix = "spice:checkpoint:"
	runIndexPrefix   = "spice:checkpoint:run:"
	graphIndexPrefix = "spice:checkpoint:graph:"
	cachePrefix      = "spice:cache:"
)

// Store implements spice.CheckpointStore on Redis. The client is owned by
// the caller.
type Store struct {
	rdb *redis.Client
}

var _ spice.CheckpointStore = (*Store)(nil)

// New creates a checkpoint store using an existing Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func checkpointKey(id string) string { return checkpointPrefix + id }

func (s *Store) Save(ctx context.Context, c spice.Checkpoint) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	if c.ID == "" {
		c.ID = spice.NewID()
	}
	body, err := c.Encode()
	if err != nil {
		return "", err
	}

	var ttl time.Duration
	if !c.ExpiresAt.IsZero() {
		ttl = time.Until(c.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, checkpointKey(c.ID), body, ttl)
	pipe.SAdd(ctx, runIndexPrefix+c.RunID, c.ID)
	pipe.SAdd(ctx, graphIndexPrefix+c.GraphID, c.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redis: save checkpoint: %w", err)
	}
	return c.ID, nil
}

func (s *Store) Load(ctx context.Context, id string) (spice.Checkpoint, error) {
	body, err := s.rdb.Get(ctx, checkpointKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return spice.Checkpoint{}, spice.ErrCheckpointMissing
	}
	if err != nil {
		return spice.Checkpoint{}, fmt.Errorf("redis: load checkpoint: %w", err)
	}
	return spice.DecodeCheckpoint(body)
}

func (s *Store) ListByGraph(ctx context.Context, graphID string) ([]spice.Checkpoint, error) {
	return s.list(ctx, graphIndexPrefix+graphID)
}

func (s *Store) ListByRun(ctx context.Context, runID string) ([]spice.Checkpoint, error) {
	return s.list(ctx, runIndexPrefix+runID)
}

// list loads the checkpoints in an index set, newest first, pruning ids
// whose values have expired out from under the index.
func (s *Store) list(ctx context.Context, indexKey string) ([]spice.Checkpoint, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list checkpoints: %w", err)
	}
	var out []spice.Checkpoint
	for _, id := range ids {
		c, err := s.Load(ctx, id)
		if errors.Is(err, spice.ErrCheckpointMissing) {
			s.rdb.SRem(ctx, indexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	c, err := s.Load(ctx, id)
	if errors.Is(err, spice.ErrCheckpointMissing) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, checkpointKey(id))
	pipe.SRem(ctx, runIndexPrefix+c.RunID, id)
	pipe.SRem(ctx, graphIndexPrefix+c.GraphID, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: delete checkpoint: %w", err)
	}
	return nil
}

func (s *Store) DeleteByRun(ctx context.Context, runID string) error {
	ids, err := s.rdb.SMembers(ctx, runIndexPrefix+runID).Result()
	if err != nil {
		return fmt.Errorf("redis: delete checkpoints by run: %w", err)
	}
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
	}
	s.rdb.Del(ctx, runIndexPrefix+runID)
	return nil
}

// DeleteExpired prunes index entries whose checkpoint values Redis already
// expired. The values themselves age out via key TTLs.
func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	n := 0
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, runIndexPrefix+"*", 256).Result()
		if err != nil {
			return n, fmt.Errorf("redis: scan run indexes: %w", err)
		}
		for _, indexKey := range keys {
			ids, err := s.rdb.SMembers(ctx, indexKey).Result()
			if err != nil {
				return n, fmt.Errorf("redis: read run index: %w", err)
			}
			for _, id := range ids {
				exists, err := s.rdb.Exists(ctx, checkpointKey(id)).Result()
				if err != nil {
					return n, fmt.Errorf("redis: probe checkpoint: %w", err)
				}
				if exists == 0 {
					s.rdb.SRem(ctx, indexKey, id)
					n++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return n, nil
		}
	}
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, checkpointKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: exists: %w", err)
	}
	return n > 0, nil
}

// Cache implements spice.IdempotencyStore on Redis key TTLs.
type Cache struct {
	rdb *redis.Client
}

var _ spice.IdempotencyStore = (*Cache)(nil)

// NewCache creates an idempotency store using an existing Redis client.
func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

func (c *Cache) Get(ctx context.Context, key string) (spice.CacheEntry, bool, error) {
	body, err := c.rdb.Get(ctx, cachePrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return spice.CacheEntry{}, false, nil
	}
	if err != nil {
		return spice.CacheEntry{}, false, fmt.Errorf("redis: get cache entry: %w", err)
	}
	var entry spice.CacheEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return spice.CacheEntry{}, false, fmt.Errorf("redis: decode cache entry: %w", err)
	}
	if entry.Expired(time.Now()) {
		return spice.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (c *Cache) Put(ctx context.Context, entry spice.CacheEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis: encode cache entry: %w", err)
	}
	var ttl time.Duration
	if !entry.ExpiresAt.IsZero() {
		ttl = time.Until(entry.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}
	if err := c.rdb.Set(ctx, cachePrefix+entry.Key, body, ttl).Err(); err != nil {
		return fmt.Errorf("redis: put cache entry: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, cachePrefix+key).Err(); err != nil {
		return fmt.Errorf("redis: delete cache entry: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op: Redis expires cache keys natively.
func (c *Cache) DeleteExpired(context.Context) (int, error) { return 0, nil }
