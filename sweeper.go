package spice

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is the sweep cadence when none is configured.
const DefaultSweepInterval = time.Minute

// Sweeper periodically removes expired checkpoints and idempotency entries
// from the configured stores. Hosts run one sweeper per process, not per
// graph; the stores themselves are safe for concurrent access.
type Sweeper struct {
	checkpoints CheckpointStore
	cache       IdempotencyStore
	interval    time.Duration
	logger      *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the sweep cadence.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

// WithSweeperLogger sets the logger. The default discards.
func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// NewSweeper creates a sweeper over the given stores. Either store may be
// nil; the sweeper skips it.
func NewSweeper(checkpoints CheckpointStore, cache IdempotencyStore, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		checkpoints: checkpoints,
		cache:       cache,
		interval:    DefaultSweepInterval,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on the configured cadence. Blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over both stores. Store failures are logged and do
// not stop future passes.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.checkpoints != nil {
		n, err := s.checkpoints.DeleteExpired(ctx)
		if err != nil {
			s.logger.Warn("checkpoint sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Info("expired checkpoints removed", "count", n)
		}
	}
	if s.cache != nil {
		n, err := s.cache.DeleteExpired(ctx)
		if err != nil {
			s.logger.Warn("idempotency sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Info("expired cache entries removed", "count", n)
		}
	}
}
