package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

// PeriodicSchedule places runs at Offset + k*Interval from midnight UTC
// of the Unix epoch.
type PeriodicSchedule struct {
	Interval time.Duration
	Offset   time.Duration
}

var periodicSchedules = map[string]PeriodicSchedule{
	KindCleanUpOldJobs:  {Interval: 24 * time.Hour},
	KindReportStuckJobs: {Interval: 24 * time.Hour},
	KindCheckAllSources: {Interval: 24 * time.Hour, Offset: 7 * time.Hour},
}

// PeriodicScheduleFor returns the schedule of a periodic job name.
func PeriodicScheduleFor(name string) (PeriodicSchedule, bool) {
	sched, ok := periodicSchedules[name]
	return sched, ok
}

// NextRunDelay returns the time from now until the next scheduled run,
// which is always strictly after now.
func (p PeriodicSchedule) NextRunDelay(now time.Time) time.Duration {
	base := time.Unix(0, 0).UTC().Add(p.Offset)
	elapsed := now.Sub(base)
	k := elapsed / p.Interval
	if elapsed < 0 && elapsed%p.Interval != 0 {
		k--
	}
	next := base.Add((k + 1) * p.Interval)
	return next.Sub(now)
}

// QueuePeriodicJobs makes sure every registered periodic job has an
// incomplete instance, re-establishing chains that broke.
func (s *Service) QueuePeriodicJobs(ctx context.Context) (*models.Job, error) {
	return s.RunTracked(ctx, QueuePeriodicJobs, s.queuePeriodicJobs)
}

func (s *Service) queuePeriodicJobs(ctx context.Context) Outcome {
	names := make([]string, 0, len(periodicSchedules))
	for name := range periodicSchedules {
		if _, ok := s.registry.Lookup(name); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var errs *multierror.Error
	queued := 0
	now := s.now()
	for _, name := range names {
		_, created, err := s.queue.Enqueue(ctx, QueueRequest{
			Name:  name,
			Delay: periodicSchedules[name].NextRunDelay(now),
		})
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if created {
			slog.Info("periodic job queued", "job_name", name)
			queued++
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return Failed(fmt.Sprintf("Queued %d periodic job(s), but some failed: %v", queued, err))
	}
	if queued == 0 {
		return Succeeded("All periodic jobs are already queued")
	}
	return Succeeded(fmt.Sprintf("Queued %d periodic job(s)", queued))
}
