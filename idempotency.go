package spice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// CacheKind partitions idempotency entries by the class of work they cache.
// Each kind carries its own default TTL.
type CacheKind string

const (
	// KindToolCall caches individual tool invocations. Default TTL: 1 hour.
	KindToolCall CacheKind = "TOOL_CALL"
	// KindStep caches whole step results. Default TTL: 6 hours.
	KindStep CacheKind = "STEP"
	// KindIntent caches intent classifications. Default TTL: 1 day.
	KindIntent CacheKind = "INTENT"
)

// Default TTLs per cache kind.
const (
	DefaultToolCallTTL = time.Hour
	DefaultStepTTL     = 6 * time.Hour
	DefaultIntentTTL   = 24 * time.Hour
)

// CacheEntry is one stored idempotency record.
type CacheEntry struct {
	Key       string    `json:"key"`
	Kind      CacheKind `json:"kind"`
	Value     []byte    `json:"value"` // JSON-encoded result
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// IdempotencyStore is the content-addressed at-most-once cache. Backends must
// be safe for concurrent use. A missing key returns ok=false, not an error.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (CacheEntry, bool, error)
	Put(ctx context.Context, entry CacheEntry) error
	Delete(ctx context.Context, key string) error
	// DeleteExpired removes entries past their TTL and returns the count.
	DeleteExpired(ctx context.Context) (int, error)
}

// Fingerprint computes the stable cache key for a tool invocation: a SHA-256
// over the tool name and the canonical JSON encoding of its arguments.
// encoding/json sorts map keys, so semantically equal argument maps produce
// equal fingerprints.
func Fingerprint(toolName string, args map[string]any) string {
	canonical, err := json.Marshal(args)
	if err != nil {
		// Non-encodable arguments cannot be cached deterministically; fold the
		// error into the key so such calls never collide with real entries.
		canonical = []byte(fmt.Sprintf("!unencodable:%v", err))
	}
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// cacheConfig holds options accumulated by CacheOption calls.
type cacheConfig struct {
	toolCallTTL time.Duration
	stepTTL     time.Duration
	intentTTL   time.Duration
	logger      *slog.Logger
	tracer      Tracer
}

// CacheOption configures a CacheManager.
type CacheOption func(*cacheConfig)

// WithToolCallTTL overrides the TOOL_CALL TTL.
func WithToolCallTTL(d time.Duration) CacheOption {
	return func(c *cacheConfig) { c.toolCallTTL = d }
}

// WithStepTTL overrides the STEP TTL.
func WithStepTTL(d time.Duration) CacheOption {
	return func(c *cacheConfig) { c.stepTTL = d }
}

// WithIntentTTL overrides the INTENT TTL.
func WithIntentTTL(d time.Duration) CacheOption {
	return func(c *cacheConfig) { c.intentTTL = d }
}

// WithCacheLogger sets the structured logger. Defaults to discard.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *cacheConfig) { c.logger = l }
}

// WithCacheTracer sets the tracer for cache operations.
func WithCacheTracer(t Tracer) CacheOption {
	return func(c *cacheConfig) { c.tracer = t }
}

// CacheManager provides at-most-once execution of deterministic work under a
// fingerprint key. Concurrent callers of the same fingerprint share a single
// in-flight invocation; results are stored with a per-kind TTL; failures are
// never cached.
type CacheManager struct {
	store  IdempotencyStore
	ttls   map[CacheKind]time.Duration
	flight singleflight.Group
	logger *slog.Logger
	tracer Tracer
}

// NewCacheManager wraps store. A nil store yields a pass-through manager:
// lookups miss and results are not retained, but single-flight still holds.
func NewCacheManager(store IdempotencyStore, opts ...CacheOption) *CacheManager {
	cfg := cacheConfig{
		toolCallTTL: DefaultToolCallTTL,
		stepTTL:     DefaultStepTTL,
		intentTTL:   DefaultIntentTTL,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &CacheManager{
		store: store,
		ttls: map[CacheKind]time.Duration{
			KindToolCall: cfg.toolCallTTL,
			KindStep:     cfg.stepTTL,
			KindIntent:   cfg.intentTTL,
		},
		logger: cfg.logger,
		tracer: cfg.tracer,
	}
}

// TTL returns the TTL configured for kind.
func (m *CacheManager) TTL(kind CacheKind) time.Duration { return m.ttls[kind] }

// Do returns the cached result for key if a fresh entry of the same kind
// exists; otherwise it invokes fn under a single-flight guarantee and caches
// the outcome. cacheHit reports whether the value was served from the store.
// An existing entry under a different kind fails with ErrCacheKeyConflict.
func (m *CacheManager) Do(ctx context.Context, kind CacheKind, key string, fn func(ctx context.Context) (any, error)) (value any, cacheHit bool, err error) {
	if m.tracer != nil {
		var span Span
		ctx, span = m.tracer.Start(ctx, "cache.do",
			StringAttr("cache.kind", string(kind)))
		defer func() {
			span.SetAttr(BoolAttr("cache.hit", cacheHit))
			if err != nil {
				span.Error(err)
			}
			span.End()
		}()
	}

	if v, ok, lookErr := m.lookup(ctx, kind, key); lookErr != nil {
		return nil, false, lookErr
	} else if ok {
		return v, true, nil
	}

	type outcome struct {
		value any
		hit   bool
	}
	res, err, _ := m.flight.Do(key, func() (any, error) {
		// Re-check inside the flight: a concurrent caller may have populated
		// the store between our miss and acquiring the flight slot.
		if v, ok, lookErr := m.lookup(ctx, kind, key); lookErr != nil {
			return nil, lookErr
		} else if ok {
			return outcome{value: v, hit: true}, nil
		}
		v, runErr := fn(ctx)
		if runErr != nil {
			return nil, runErr
		}
		m.put(ctx, kind, key, v)
		return outcome{value: v}, nil
	})
	if err != nil {
		return nil, false, err
	}
	o := res.(outcome)
	return o.value, o.hit, nil
}

// lookup fetches a fresh entry and decodes its value.
func (m *CacheManager) lookup(ctx context.Context, kind CacheKind, key string) (any, bool, error) {
	if m.store == nil {
		return nil, false, nil
	}
	entry, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if !ok || entry.Expired(time.Now()) {
		return nil, false, nil
	}
	if entry.Kind != kind {
		return nil, false, fmt.Errorf("key %s stored as %s, requested %s: %w",
			key, entry.Kind, kind, ErrCacheKeyConflict)
	}
	var value any
	if err := json.Unmarshal(entry.Value, &value); err != nil {
		m.logger.Warn("cache entry undecodable, treating as miss", "key", key, "error", err)
		return nil, false, nil
	}
	// Tool results decode back into their struct shape.
	if mvalue, ok := value.(map[string]any); ok {
		if _, has := mvalue["content"]; has {
			var tr ToolResult
			if err := json.Unmarshal(entry.Value, &tr); err == nil {
				return tr, true, nil
			}
		}
	}
	return value, true, nil
}

// put stores a successful result. Storage failures are logged, not surfaced:
// the work already succeeded and the cache is an optimization.
func (m *CacheManager) put(ctx context.Context, kind CacheKind, key string, value any) {
	if m.store == nil {
		return
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		m.logger.Warn("cache value not encodable, skipping store", "key", key, "error", err)
		return
	}
	now := time.Now()
	entry := CacheEntry{
		Key:       key,
		Kind:      kind,
		Value:     encoded,
		StoredAt:  now,
		ExpiresAt: now.Add(m.ttls[kind]),
	}
	if err := m.store.Put(ctx, entry); err != nil {
		m.logger.Warn("cache store failed", "key", key, "error", err)
	}
}
