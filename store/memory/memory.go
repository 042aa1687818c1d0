// Package memory implements in-process checkpoint and idempotency stores.
// The checkpoint store is map-backed; the idempotency store rides an
// expirable LRU so entries age out on TTL and total size stays bounded.
// Intended for tests and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/no-ai-labs/spice"
)

// CheckpointStore is a map-backed spice.CheckpointStore.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]spice.Checkpoint
}

var _ spice.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore creates an empty in-memory checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: map[string]spice.Checkpoint{}}
}

// Save persists the checkpoint, assigning an id when absent.
func (s *CheckpointStore) Save(_ context.Context, c spice.Checkpoint) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	if c.ID == "" {
		c.ID = spice.NewID()
	}
	s.mu.Lock()
	s.checkpoints[c.ID] = c
	s.mu.Unlock()
	return c.ID, nil
}

func (s *CheckpointStore) Load(_ context.Context, id string) (spice.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.checkpoints[id]
	if !ok {
		return spice.Checkpoint{}, spice.ErrCheckpointMissing
	}
	return c, nil
}

func (s *CheckpointStore) ListByGraph(_ context.Context, graphID string) ([]spice.Checkpoint, error) {
	return s.list(func(c spice.Checkpoint) bool { return c.GraphID == graphID }), nil
}

func (s *CheckpointStore) ListByRun(_ context.Context, runID string) ([]spice.Checkpoint, error) {
	return s.list(func(c spice.Checkpoint) bool { return c.RunID == runID }), nil
}

// list returns matching checkpoints newest first.
func (s *CheckpointStore) list(match func(spice.Checkpoint) bool) []spice.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []spice.Checkpoint
	for _, c := range s.checkpoints {
		if match(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *CheckpointStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.checkpoints, id)
	s.mu.Unlock()
	return nil
}

func (s *CheckpointStore) DeleteByRun(_ context.Context, runID string) error {
	s.mu.Lock()
	for id, c := range s.checkpoints {
		if c.RunID == runID {
			delete(s.checkpoints, id)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *CheckpointStore) DeleteExpired(_ context.Context) (int, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.checkpoints {
		if c.Expired(now) {
			delete(s.checkpoints, id)
			n++
		}
	}
	return n, nil
}

func (s *CheckpointStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.checkpoints[id]
	return ok, nil
}

// DefaultCacheSize bounds the idempotency LRU when no size is given.
const DefaultCacheSize = 4096

// IdempotencyStore is an expirable-LRU-backed spice.IdempotencyStore. The
// LRU's own TTL is a backstop; per-entry expiry from CacheEntry.ExpiresAt is
// still honored on Get.
type IdempotencyStore struct {
	cache *lru.LRU[string, spice.CacheEntry]
}

var _ spice.IdempotencyStore = (*IdempotencyStore)(nil)

// NewIdempotencyStore creates a bounded in-memory cache. size <= 0 uses
// DefaultCacheSize; ttl 0 disables the LRU-level expiry backstop.
func NewIdempotencyStore(size int, ttl time.Duration) *IdempotencyStore {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &IdempotencyStore{cache: lru.NewLRU[string, spice.CacheEntry](size, nil, ttl)}
}

func (s *IdempotencyStore) Get(_ context.Context, key string) (spice.CacheEntry, bool, error) {
	entry, ok := s.cache.Get(key)
	if !ok {
		return spice.CacheEntry{}, false, nil
	}
	if entry.Expired(time.Now()) {
		s.cache.Remove(key)
		return spice.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (s *IdempotencyStore) Put(_ context.Context, entry spice.CacheEntry) error {
	s.cache.Add(entry.Key, entry)
	return nil
}

func (s *IdempotencyStore) Delete(_ context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

func (s *IdempotencyStore) DeleteExpired(_ context.Context) (int, error) {
	now := time.Now()
	n := 0
	for _, key := range s.cache.Keys() {
		if entry, ok := s.cache.Peek(key); ok && entry.Expired(now) {
			s.cache.Remove(key)
			n++
		}
	}
	return n, nil
}
