// Package main is the entrypoint for the VisionJobs server: the dashboard
// API plus the scheduler, collector and periodic registrar timers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/visionjobs/internal/api"
	"github.com/kiranshivaraju/visionjobs/internal/api/handler"
	mw "github.com/kiranshivaraju/visionjobs/internal/api/middleware"
	"github.com/kiranshivaraju/visionjobs/internal/app"
	"github.com/kiranshivaraju/visionjobs/internal/cache"
	"github.com/kiranshivaraju/visionjobs/internal/config"
	"github.com/kiranshivaraju/visionjobs/internal/jobs"
	"github.com/kiranshivaraju/visionjobs/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "backend", cfg.Backend.Type, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.New(ctx, cfg, app.Options{Migrate: true, Registerer: registry})
	if err != nil {
		return err
	}
	defer a.Close()

	router := newRouter(cfg, a.Store, a.Cache, a.Service, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	daemon := jobs.NewDaemon(a.Service, jobs.Intervals{
		Scheduler: cfg.Jobs.SchedulerInterval,
		Collector: cfg.Jobs.CollectorInterval,
		Periodic:  cfg.Jobs.PeriodicInterval,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return daemon.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

func newRouter(cfg *config.Config, st store.Store, c cache.Cache, svc handler.JobActions, metrics http.Handler) http.Handler {
	perPage := cfg.Server.JobsPerPage

	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(c, cfg.Server.RateLimitPerMin),

		HealthHandler:  handler.NewHealthHandler(st, c),
		MetricsHandler: metrics,

		JobSummary:  handler.NewJobSummaryHandler(st, c, time.Now),
		ListJobs:    handler.NewListJobsHandler(st, perPage),
		SourceJobs:  handler.NewSourceJobsHandler(st, perPage),
		GetJob:      handler.NewGetJobHandler(st),
		QueueJob:    handler.NewQueueJobHandler(svc, c),
		AbortJob:    handler.NewAbortJobHandler(svc, c),
		ExpediteJob: handler.NewExpediteJobHandler(svc, c),
		ListErrors:  handler.NewListErrorsHandler(st),

		CreateKeyHandler: handler.NewCreateKeyHandler(st),
		ListKeysHandler:  handler.NewListKeysHandler(st),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(st),
	})
}
