package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

const exampleJobs = 3

// RunScheduledJobs starts every due pending job, oldest first. It stops
// early once the run's soft deadline has passed, leaving the rest for
// the next run.
func (s *Service) RunScheduledJobs(ctx context.Context) (*models.Job, error) {
	return s.RunTracked(ctx, RunScheduledJobs, s.runScheduledJobs)
}

func (s *Service) runScheduledJobs(ctx context.Context) Outcome {
	wrapUp := s.now().Add(s.opts.MaxDuration)

	due, err := s.store.ListDueJobs(ctx, store.DueFilter{
		Now:            s.now(),
		IgnoreSchedule: s.opts.RunImmediately,
		ExcludeNames:   trackedRuns,
	})
	if err != nil {
		return Failed(fmt.Sprintf("Couldn't list due jobs: %v", err))
	}

	var ran []*models.Job
	timedOut := false
	for i, job := range due {
		if i > 0 && i%s.opts.DeadlineCheckEvery == 0 && s.now().After(wrapUp) {
			timedOut = true
			break
		}
		if err := s.startJob(ctx, job); err != nil {
			slog.Error("starting job", "job_id", job.ID, "job_name", job.JobName, "error", err)
		}
		ran = append(ran, job)
	}

	o := Succeeded(scheduledRunMessage(ran, timedOut))
	o.Hidden = len(ran) == 0
	return o
}

func scheduledRunMessage(ran []*models.Job, timedOut bool) string {
	if len(ran) == 0 {
		return "Ran 0 jobs"
	}

	examples := ran
	if len(examples) > exampleJobs {
		examples = examples[:exampleJobs]
	}
	lines := make([]string, len(examples))
	for i, job := range examples {
		lines[i] = fmt.Sprintf("%d: %s", job.ID, job)
	}

	var header string
	switch {
	case timedOut:
		header = fmt.Sprintf("Ran %d jobs (timed out), including:", len(ran))
	case len(ran) > exampleJobs:
		header = fmt.Sprintf("Ran %d jobs, including:", len(ran))
	default:
		header = fmt.Sprintf("Ran %d job(s):", len(ran))
	}
	return header + "\n" + strings.Join(lines, "\n")
}

// RunScheduledJobsUntilEmpty runs the scheduler until no due jobs remain,
// waiting for local jobs between runs. It returns the number of runs, or
// ErrIterationCap if jobs keep becoming due.
func (s *Service) RunScheduledJobsUntilEmpty(ctx context.Context) (int, error) {
	for runs := 0; ; runs++ {
		due, err := s.store.ListDueJobs(ctx, store.DueFilter{
			Now:            s.now(),
			IgnoreSchedule: s.opts.RunImmediately,
			ExcludeNames:   trackedRuns,
			Limit:          1,
		})
		if err != nil {
			return runs, fmt.Errorf("listing due jobs: %w", err)
		}
		if len(due) == 0 {
			return runs, nil
		}
		if runs >= s.opts.MaxIterations {
			return runs, fmt.Errorf("%w (%d runs)", ErrIterationCap, runs)
		}

		if _, err := s.RunScheduledJobs(ctx); err != nil {
			return runs, err
		}
		s.executor.Wait()
	}
}
