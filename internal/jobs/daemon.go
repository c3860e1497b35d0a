package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/visionjobs/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Intervals are the cadences of the daemon's tracked runs.
type Intervals struct {
	Scheduler time.Duration
	Collector time.Duration
	Periodic  time.Duration
}

// Daemon drives the scheduler, collector and periodic registrar on
// their own timers.
type Daemon struct {
	svc       *Service
	intervals Intervals
}

// NewDaemon creates a Daemon for svc.
func NewDaemon(svc *Service, intervals Intervals) *Daemon {
	return &Daemon{svc: svc, intervals: intervals}
}

// Run ticks until ctx is cancelled, then waits for local jobs to finish.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.loop(gctx, RunScheduledJobs, d.intervals.Scheduler, d.svc.RunScheduledJobs) })
	g.Go(func() error { return d.loop(gctx, CollectResults, d.intervals.Collector, d.svc.CollectResults) })
	g.Go(func() error { return d.loop(gctx, QueuePeriodicJobs, d.intervals.Periodic, d.svc.QueuePeriodicJobs) })

	slog.Info("job daemon started",
		"scheduler_interval", d.intervals.Scheduler,
		"collector_interval", d.intervals.Collector,
		"periodic_interval", d.intervals.Periodic)

	err := g.Wait()
	d.svc.Wait()
	slog.Info("job daemon stopped")
	return err
}

func (d *Daemon) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) (*models.Job, error)) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.tick(ctx, name, run)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.tick(ctx, name, run)
		}
	}
}

func (d *Daemon) tick(ctx context.Context, name string, run func(context.Context) (*models.Job, error)) {
	job, err := run(ctx)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
	case err != nil:
		if ctx.Err() == nil {
			slog.Warn("tick error", "run", name, "error", err)
		}
	case job != nil && !job.Hidden:
		slog.Info(name, "job_id", job.ID, "result", job.ResultMessage)
	}
}
