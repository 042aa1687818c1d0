// Package postgres implements spice.CheckpointStore and
// spice.IdempotencyStore on PostgreSQL.
//
// Both stores accept an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/no-ai-labs/spice"
)

// Store implements spice.CheckpointStore backed by PostgreSQL. Checkpoints
// persist as a single JSONB body plus indexed run/graph columns.
type Store struct {
	pool *pgxpool.Pool
}

var _ spice.CheckpointStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the required tables.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			graph_id TEXT NOT NULL,
			body JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_graph ON checkpoints(graph_id)`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			key TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			value BYTEA NOT NULL,
			stored_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

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
	var expires *time.Time
	if !c.ExpiresAt.IsZero() {
		expires = &c.ExpiresAt
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkpoints (id, run_id, graph_id, body, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body, expires_at = EXCLUDED.expires_at`,
		c.ID, c.RunID, c.GraphID, body, c.CreatedAt, expires)
	if err != nil {
		return "", fmt.Errorf("postgres: save checkpoint: %w", err)
	}
	return c.ID, nil
}

func (s *Store) Load(ctx context.Context, id string) (spice.Checkpoint, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM checkpoints WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return spice.Checkpoint{}, spice.ErrCheckpointMissing
	}
	if err != nil {
		return spice.Checkpoint{}, fmt.Errorf("postgres: load checkpoint: %w", err)
	}
	return spice.DecodeCheckpoint(body)
}

func (s *Store) ListByGraph(ctx context.Context, graphID string) ([]spice.Checkpoint, error) {
	return s.list(ctx,
		`SELECT body FROM checkpoints WHERE graph_id = $1 ORDER BY created_at DESC`, graphID)
}

func (s *Store) ListByRun(ctx context.Context, runID string) ([]spice.Checkpoint, error) {
	return s.list(ctx,
		`SELECT body FROM checkpoints WHERE run_id = $1 ORDER BY created_at DESC`, runID)
}

func (s *Store) list(ctx context.Context, query string, arg any) ([]spice.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("postgres: list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []spice.Checkpoint
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("postgres: scan checkpoint: %w", err)
		}
		c, err := spice.DecodeCheckpoint(body)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete checkpoint: %w", err)
	}
	return nil
}

func (s *Store) DeleteByRun(ctx context.Context, runID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("postgres: delete checkpoints by run: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM checkpoints WHERE expires_at IS NOT NULL AND expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete expired checkpoints: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM checkpoints WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: exists: %w", err)
	}
	return exists, nil
}

// Cache implements spice.IdempotencyStore over the same pool.
type Cache struct {
	pool *pgxpool.Pool
}

var _ spice.IdempotencyStore = (*Cache)(nil)

// NewCache creates an idempotency store using an existing pgxpool.Pool.
func NewCache(pool *pgxpool.Pool) *Cache {
	return &Cache{pool: pool}
}

func (c *Cache) Get(ctx context.Context, key string) (spice.CacheEntry, bool, error) {
	var (
		entry   spice.CacheEntry
		kind    string
		expires *time.Time
	)
	err := c.pool.QueryRow(ctx,
		`SELECT kind, value, stored_at, expires_at FROM idempotency WHERE key = $1`, key).
		Scan(&kind, &entry.Value, &entry.StoredAt, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return spice.CacheEntry{}, false, nil
	}
	if err != nil {
		return spice.CacheEntry{}, false, fmt.Errorf("postgres: get cache entry: %w", err)
	}
	entry.Key = key
	entry.Kind = spice.CacheKind(kind)
	if expires != nil {
		entry.ExpiresAt = *expires
	}
	if entry.Expired(time.Now()) {
		return spice.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (c *Cache) Put(ctx context.Context, entry spice.CacheEntry) error {
	var expires *time.Time
	if !entry.ExpiresAt.IsZero() {
		expires = &entry.ExpiresAt
	}
	_, err := c.pool.Exec(ctx,
		`INSERT INTO idempotency (key, kind, value, stored_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET kind = EXCLUDED.kind, value = EXCLUDED.value,
		 stored_at = EXCLUDED.stored_at, expires_at = EXCLUDED.expires_at`,
		entry.Key, string(entry.Kind), entry.Value, entry.StoredAt, expires)
	if err != nil {
		return fmt.Errorf("postgres: put cache entry: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if _, err := c.pool.Exec(ctx, `DELETE FROM idempotency WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres: delete cache entry: %w", err)
	}
	return nil
}

func (c *Cache) DeleteExpired(ctx context.Context) (int, error) {
	tag, err := c.pool.Exec(ctx,
		`DELETE FROM idempotency WHERE expires_at IS NOT NULL AND expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete expired cache entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
