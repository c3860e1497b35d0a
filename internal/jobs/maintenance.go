package jobs

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

type cleanupKind struct {
	store     store.JobStore
	retention time.Duration
	metrics   *Metrics
	now       func() time.Time
}

// NewCleanupKind returns the clean_up_old_jobs handler. It deletes jobs
// not modified within retention, except persisted jobs and jobs still
// referenced by an API job unit.
func NewCleanupKind(st store.JobStore, retention time.Duration, metrics *Metrics) LocalKind {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &cleanupKind{store: st, retention: retention, metrics: metrics, now: time.Now}
}

func (k *cleanupKind) Name() string { return KindCleanUpOldJobs }

func (k *cleanupKind) Run(ctx context.Context, _ *models.Job) Outcome {
	n, err := k.store.DeleteOldJobs(ctx, k.now().Add(-k.retention))
	if err != nil {
		return Failed(fmt.Sprintf("Couldn't clean up old jobs: %v", err))
	}
	k.metrics.deleted.Add(float64(n))
	if n == 0 {
		return Succeeded("No old jobs to clean up")
	}
	return Succeeded(fmt.Sprintf("Cleaned up %d old job(s)", n))
}

type stuckReportKind struct {
	store        store.JobStore
	notifier     Notifier
	days         int
	highSpecDays int
	prefix       string
	metrics      *Metrics
	now          func() time.Time
}

// NewStuckReportKind returns the report_stuck_jobs handler. A job is
// reported on the one day its last modification falls N to N+1 days
// ago, so each stuck job is reported once.
func NewStuckReportKind(st store.JobStore, notifier Notifier, opts Options, metrics *Metrics) LocalKind {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &stuckReportKind{
		store:        st,
		notifier:     notifier,
		days:         opts.StuckDays,
		highSpecDays: opts.StuckDaysHighSpec,
		prefix:       opts.SubjectPrefix,
		metrics:      metrics,
		now:          time.Now,
	}
}

func (k *stuckReportKind) Name() string { return KindReportStuckJobs }

func (k *stuckReportKind) Run(ctx context.Context, _ *models.Job) Outcome {
	now := k.now()

	stuck, err := k.store.ListStuckJobs(ctx, stuckWindow(now, k.days, nil, highSpecKinds))
	if err != nil {
		return Failed(fmt.Sprintf("Couldn't list stuck jobs: %v", err))
	}
	highSpec, err := k.store.ListStuckJobs(ctx, stuckWindow(now, k.highSpecDays, highSpecKinds, nil))
	if err != nil {
		return Failed(fmt.Sprintf("Couldn't list stuck jobs: %v", err))
	}
	stuck = append(stuck, highSpec...)
	k.metrics.stuck.Set(float64(len(stuck)))

	if len(stuck) == 0 {
		return Succeeded("No stuck jobs detected")
	}

	sort.SliceStable(stuck, func(i, j int) bool {
		return stuck[i].ModifyDate.After(stuck[j].ModifyDate)
	})

	summary := fmt.Sprintf("%d job(s) haven't progressed in a while", len(stuck))
	if k.notifier != nil {
		if err := k.notifier.Notify(ctx, k.prefix+summary, stuckReportBody(stuck)); err != nil {
			return Failed(fmt.Sprintf("%s, but the report couldn't be sent: %v", summary, err))
		}
	}
	return Succeeded(summary)
}

func stuckWindow(now time.Time, days int, names, exclude []string) store.StuckFilter {
	day := 24 * time.Hour
	return store.StuckFilter{
		After:        now.Add(-time.Duration(days+1) * day),
		Before:       now.Add(-time.Duration(days) * day),
		JobNames:     slices.Clone(names),
		ExcludeNames: slices.Clone(exclude),
	}
}

func stuckReportBody(stuck []*models.Job) string {
	lines := make([]string, len(stuck))
	for i, job := range stuck {
		lines[i] = fmt.Sprintf("%s - since %s", job, job.ModifyDate.UTC().Format("2006-01-02 15:04 UTC"))
	}
	return "The following job(s) haven't progressed in a while:\n\n" + strings.Join(lines, "\n")
}
