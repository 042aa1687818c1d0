// Package app assembles the engine's collaborators from configuration: the
// checkpoint and idempotency stores, the event bus with its dead-letter
// queue, the runner, and the background sweeper.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/no-ai-labs/spice"
	"github.com/no-ai-labs/spice/event"
	"github.com/no-ai-labs/spice/event/redisstream"
	"github.com/no-ai-labs/spice/internal/config"
	"github.com/no-ai-labs/spice/observer"
	memstore "github.com/no-ai-labs/spice/store/memory"
	pgstore "github.com/no-ai-labs/spice/store/postgres"
	redisstore "github.com/no-ai-labs/spice/store/redis"
	sqlitestore "github.com/no-ai-labs/spice/store/sqlite"
)

// Runtime is the assembled engine host.
type Runtime struct {
	Config      config.Config
	Checkpoints spice.CheckpointStore
	CacheStore  spice.IdempotencyStore
	Cache       *spice.CacheManager
	Bus         event.Bus
	DLQ         *event.DeadLetterQueue
	Runner      *spice.Runner
	Sweeper     *spice.Sweeper

	closers []func(context.Context) error
}

// New builds a Runtime from config. Callers own the Runtime and must call
// Close on shutdown.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Config: cfg}

	if err := rt.buildStores(ctx, cfg); err != nil {
		return nil, err
	}
	if err := rt.buildBus(cfg, logger); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	rt.Cache = spice.NewCacheManager(rt.CacheStore,
		spice.WithToolCallTTL(cfg.Cache.ToolCallTTL.Duration()),
		spice.WithStepTTL(cfg.Cache.StepTTL.Duration()),
		spice.WithIntentTTL(cfg.Cache.IntentTTL.Duration()),
		spice.WithCacheLogger(logger),
	)

	runnerOpts := []spice.RunnerOption{
		spice.WithRunnerLogger(logger),
	}
	if cfg.Engine.MaxActivations > 0 {
		runnerOpts = append(runnerOpts, spice.WithMaxActivations(cfg.Engine.MaxActivations))
	}
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("observer init: %w", err)
		}
		rt.closers = append(rt.closers, shutdown)
		runnerOpts = append(runnerOpts, spice.WithRunnerTracer(observer.NewTracer()))
		if _, err := rt.Bus.Subscribe(spice.LifecycleChannel, observer.LifecycleHandler(inst)); err != nil {
			logger.Warn("lifecycle metrics subscription failed", "error", err)
		}
	}
	rt.Runner = spice.NewRunner(runnerOpts...)

	rt.Sweeper = spice.NewSweeper(rt.Checkpoints, rt.CacheStore,
		spice.WithSweepInterval(cfg.Engine.SweepInterval.Duration()),
		spice.WithSweeperLogger(logger),
	)
	return rt, nil
}

func (rt *Runtime) buildStores(ctx context.Context, cfg config.Config) error {
	switch cfg.Store.Backend {
	case "", "memory":
		rt.Checkpoints = memstore.NewCheckpointStore()
		rt.CacheStore = memstore.NewIdempotencyStore(cfg.Cache.Size, cfg.Cache.IntentTTL.Duration())

	case "sqlite":
		store := sqlitestore.New(cfg.Store.Path)
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("sqlite init: %w", err)
		}
		rt.Checkpoints = store
		rt.CacheStore = store.Cache()
		rt.closers = append(rt.closers, func(context.Context) error { return store.Close() })

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		store := pgstore.New(pool)
		if err := store.Init(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("postgres init: %w", err)
		}
		rt.Checkpoints = store
		rt.CacheStore = pgstore.NewCache(pool)
		rt.closers = append(rt.closers, func(context.Context) error { pool.Close(); return nil })

	case "redis":
		opts, err := goredis.ParseURL(cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		rt.Checkpoints = redisstore.New(client)
		rt.CacheStore = redisstore.NewCache(client)
		rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })

	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	return nil
}

func (rt *Runtime) buildBus(cfg config.Config, logger *slog.Logger) error {
	rt.DLQ = event.NewDeadLetterQueue(
		event.WithMaxSize(cfg.DLQ.MaxSize),
		event.WithMaxSizePerChannel(cfg.DLQ.MaxSizePerChannel),
	)

	switch cfg.EventBus.Backend {
	case "", "in-memory":
		rt.Bus = event.NewMemoryBus(
			event.WithRetries(cfg.EventBus.Retries),
			event.WithBuffer(cfg.EventBus.Buffer),
			event.WithDLQ(rt.DLQ),
			event.WithLogger(logger),
		)

	case "log-partitioned":
		rt.Bus = event.NewLogBus(
			event.WithRetries(cfg.EventBus.Retries),
			event.WithDLQ(rt.DLQ),
			event.WithLogger(logger),
		)

	case "redis-stream":
		opts, err := goredis.ParseURL(cfg.EventBus.DSN)
		if err != nil {
			return fmt.Errorf("event bus redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		bus, err := redisstream.New(redisstream.Options{
			Client:  client,
			Retries: cfg.EventBus.Retries,
			DLQ:     rt.DLQ,
			Logger:  logger,
		})
		if err != nil {
			_ = client.Close()
			return err
		}
		rt.Bus = bus
		rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })

	default:
		return fmt.Errorf("unknown event bus backend %q", cfg.EventBus.Backend)
	}
	return nil
}

// Close releases the runtime's resources in reverse construction order.
func (rt *Runtime) Close(ctx context.Context) error {
	var firstErr error
	if rt.Bus != nil {
		if err := rt.Bus.Close(); err != nil {
			firstErr = err
		}
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rt.closers[i](cctx); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	return firstErr
}
