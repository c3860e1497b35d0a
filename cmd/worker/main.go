// Command worker pops vision work units from the Redis compute pool,
// runs them and pushes their results back for the collector.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/visionjobs/internal/app"
	"github.com/kiranshivaraju/visionjobs/internal/backend"
	"github.com/kiranshivaraju/visionjobs/internal/cache"
	"github.com/kiranshivaraju/visionjobs/internal/config"
	"github.com/kiranshivaraju/visionjobs/internal/vision"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := cache.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	queue := app.NewWorkerQueue(rdb)
	slog.Info("worker started", "concurrency", cfg.Concurrency, "poll_timeout", cfg.PollTimeout)

	g, gctx := errgroup.WithContext(ctx)
	for range cfg.Concurrency {
		w := backend.NewWorker(queue, vision.Compute, cfg.PollTimeout)
		g.Go(func() error { return w.Serve(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("worker stopped")
	return nil
}
