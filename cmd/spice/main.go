// Command spice runs the engine's maintenance daemon: it assembles the
// configured stores and event bus, then sweeps expired checkpoints and cache
// entries until interrupted. Embedding hosts that run workflows in-process
// use internal/app directly instead.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/no-ai-labs/spice/internal/app"
	"github.com/no-ai-labs/spice/internal/config"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Load(os.Getenv("SPICE_CONFIG"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	logger.Info("maintenance daemon started",
		"store", cfg.Store.Backend, "eventBus", cfg.EventBus.Backend)
	rt.Sweeper.Run(ctx)

	shutdownCtx := context.Background()
	if err := rt.Close(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
