// Package app wires the job engine's collaborators from configuration.
// The server, operator CLI and compute worker share it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/kiranshivaraju/visionjobs/internal/backend"
	"github.com/kiranshivaraju/visionjobs/internal/cache"
	"github.com/kiranshivaraju/visionjobs/internal/config"
	"github.com/kiranshivaraju/visionjobs/internal/errorlog"
	"github.com/kiranshivaraju/visionjobs/internal/jobs"
	"github.com/kiranshivaraju/visionjobs/internal/notify"
	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/internal/vision"
)

const redisQueuePrefix = "visionjobs:units"

// App holds the connected collaborators of one process.
type App struct {
	Config  *config.Config
	Pool    *pgxpool.Pool
	Store   *store.PostgresStore
	Redis   *redis.Client
	Cache   *cache.RedisCache
	Backend backend.Backend
	Service *jobs.Service
	Metrics *jobs.Metrics
}

// Options adjust how New connects.
type Options struct {
	// Migrate applies pending schema migrations from MigrationsDir.
	Migrate       bool
	MigrationsDir string
	// Registerer receives the engine metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// New connects to Postgres and Redis and builds the job service.
// Close must be called when New succeeds.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Pool, err = store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if opts.Migrate {
		dir := opts.MigrationsDir
		if dir == "" {
			dir = "migrations"
		}
		if err := store.RunMigrations(cfg.Database.URL, dir); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")
	}

	a.Redis, err = cache.NewRedisClient(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	a.Cache = cache.FromClient(a.Redis)
	if err := a.Cache.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	a.Store = store.NewPostgresStore(a.Pool)

	a.Backend, err = NewBackend(cfg.Backend, a.Redis)
	if err != nil {
		return nil, err
	}
	slog.Info("compute backend selected", "backend", a.Backend.Name())

	a.Metrics = jobs.NewMetrics(opts.Registerer)
	queue := jobs.NewQueue(a.Store, a.Metrics)
	engineOpts := jobs.OptionsFromConfig(cfg)

	kinds := vision.Kinds(vision.Deps{Queue: queue, Catalog: a.Store, Jobs: a.Store}, vision.OptionsFromConfig(cfg))
	notifier := notify.New(cfg.Email)
	kinds = append(kinds,
		jobs.NewCleanupKind(a.Store, engineOpts.Retention, a.Metrics),
		jobs.NewStuckReportKind(a.Store, notifier, engineOpts, a.Metrics),
	)
	registry, err := jobs.NewRegistry(kinds...)
	if err != nil {
		return nil, fmt.Errorf("build job registry: %w", err)
	}
	if err := registry.Validate(); err != nil {
		return nil, fmt.Errorf("validate job registry: %w", err)
	}

	a.Service = jobs.NewService(jobs.Deps{
		Queue:    queue,
		Store:    a.Store,
		Backend:  a.Backend,
		Registry: registry,
		Reporter: errorlog.NewReporter(a.Store),
		Notifier: notifier,
		Cache:    a.Cache,
	}, engineOpts)

	return a, nil
}

// NewBackend returns the compute pool named by cfg.Type.
func NewBackend(cfg config.BackendConfig, rdb *redis.Client) (backend.Backend, error) {
	switch cfg.Type {
	case "redis":
		return backend.NewRedisQueue(rdb, redisQueuePrefix), nil
	case "batch":
		return backend.NewBatchClient(cfg.BatchURL, cfg.Token, cfg.Timeout, rdb), nil
	case "local":
		return backend.NewLocalQueue(vision.Compute), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

// NewWorkerQueue returns the Redis pool that compute workers pop from.
func NewWorkerQueue(rdb *redis.Client) *backend.RedisQueue {
	return backend.NewRedisQueue(rdb, redisQueuePrefix)
}

// Close releases connections. It is safe on a partially built App.
func (a *App) Close() {
	if a.Service != nil {
		a.Service.Wait()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
