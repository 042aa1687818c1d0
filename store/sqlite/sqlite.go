// Package sqlite implements spice.CheckpointStore and spice.IdempotencyStore
// on a local SQLite file using the pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/no-ai-labs/spice"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs are
// emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store is the checkpoint surface over one database file. The idempotency
// surface over the same file is exposed by Cache().
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ spice.CheckpointStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			graph_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_graph ON checkpoints(graph_id)`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			key TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			value BLOB NOT NULL,
			stored_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range tables {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// --- CheckpointStore ---

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
	var expires int64
	if !c.ExpiresAt.IsZero() {
		expires = c.ExpiresAt.Unix()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, run_id, graph_id, body, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body, expires_at = excluded.expires_at`,
		c.ID, c.RunID, c.GraphID, string(body), c.CreatedAt.Unix(), expires)
	if err != nil {
		return "", fmt.Errorf("sqlite: save checkpoint: %w", err)
	}
	s.logger.Debug("sqlite: checkpoint saved", "id", c.ID, "runId", c.RunID)
	return c.ID, nil
}

func (s *Store) Load(ctx context.Context, id string) (spice.Checkpoint, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM checkpoints WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return spice.Checkpoint{}, spice.ErrCheckpointMissing
	}
	if err != nil {
		return spice.Checkpoint{}, fmt.Errorf("sqlite: load checkpoint: %w", err)
	}
	return spice.DecodeCheckpoint([]byte(body))
}

func (s *Store) ListByGraph(ctx context.Context, graphID string) ([]spice.Checkpoint, error) {
	return s.listCheckpoints(ctx,
		`SELECT body FROM checkpoints WHERE graph_id = ? ORDER BY created_at DESC`, graphID)
}

func (s *Store) ListByRun(ctx context.Context, runID string) ([]spice.Checkpoint, error) {
	return s.listCheckpoints(ctx,
		`SELECT body FROM checkpoints WHERE run_id = ? ORDER BY created_at DESC`, runID)
}

func (s *Store) listCheckpoints(ctx context.Context, query string, arg any) ([]spice.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []spice.Checkpoint
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("sqlite: scan checkpoint: %w", err)
		}
		c, err := spice.DecodeCheckpoint([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete checkpoint: %w", err)
	}
	return nil
}

func (s *Store) DeleteByRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("sqlite: delete checkpoints by run: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE expires_at > 0 AND expires_at < ?`, spice.NowUnix())
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete expired checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM checkpoints WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: exists: %w", err)
	}
	return true, nil
}

// --- IdempotencyStore ---

// Cache is the idempotency surface over the same database file.
type Cache struct {
	store *Store
}

var _ spice.IdempotencyStore = (*Cache)(nil)

// Cache returns the idempotency view of this store.
func (s *Store) Cache() *Cache { return &Cache{store: s} }

func (c *Cache) Get(ctx context.Context, key string) (spice.CacheEntry, bool, error) {
	s := c.store
	var (
		entry   spice.CacheEntry
		kind    string
		stored  int64
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, value, stored_at, expires_at FROM idempotency WHERE key = ?`, key).
		Scan(&kind, &entry.Value, &stored, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return spice.CacheEntry{}, false, nil
	}
	if err != nil {
		return spice.CacheEntry{}, false, fmt.Errorf("sqlite: get cache entry: %w", err)
	}
	entry.Key = key
	entry.Kind = spice.CacheKind(kind)
	entry.StoredAt = time.Unix(stored, 0)
	if expires > 0 {
		entry.ExpiresAt = time.Unix(expires, 0)
	}
	if entry.Expired(time.Now()) {
		return spice.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (c *Cache) Put(ctx context.Context, entry spice.CacheEntry) error {
	s := c.store
	var expires int64
	if !entry.ExpiresAt.IsZero() {
		expires = entry.ExpiresAt.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency (key, kind, value, stored_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET kind = excluded.kind, value = excluded.value,
		 stored_at = excluded.stored_at, expires_at = excluded.expires_at`,
		entry.Key, string(entry.Kind), entry.Value, entry.StoredAt.Unix(), expires)
	if err != nil {
		return fmt.Errorf("sqlite: put cache entry: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	_, err := c.store.db.ExecContext(ctx, `DELETE FROM idempotency WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("sqlite: delete cache entry: %w", err)
	}
	return nil
}

func (c *Cache) DeleteExpired(ctx context.Context) (int, error) {
	res, err := c.store.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE expires_at > 0 AND expires_at < ?`, spice.NowUnix())
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete expired cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
