package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/visionjobs/internal/cache"
	"github.com/kiranshivaraju/visionjobs/internal/jobs"
	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

func parseJobID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return id, nil
}

// refreshSummary drops the cached dashboard summary after a change.
func refreshSummary(ctx context.Context, c cache.Cache) {
	if c == nil {
		return
	}
	if err := c.Delete(ctx, cache.DashboardSummaryKey()); err != nil {
		slog.Warn("invalidate job summary", "error", err)
	}
}

func newJobActionCmd(l *lazyEnv, use, short, verb string, act func(jobService) func(context.Context, int64) (*models.Job, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			e, err := l.get(cmd.Context())
			if err != nil {
				return err
			}
			job, err := act(e.jobs)(cmd.Context(), id)
			switch {
			case errors.Is(err, store.ErrNotFound):
				return fmt.Errorf("job %d not found", id)
			case errors.Is(err, store.ErrInvalidTransition):
				cmd.Printf("Job %d (%s) %s; no action taken\n", id, jobLabel(job), conflictPhrase(verb))
				return nil
			case err != nil:
				return err
			}
			refreshSummary(cmd.Context(), e.cache)
			cmd.Printf("Job %d (%s) %s\n", job.ID, job, verb)
			return nil
		},
	}
}

func jobLabel(job *models.Job) string {
	if job == nil {
		return "unknown"
	}
	return job.String()
}

func conflictPhrase(verb string) string {
	if verb == "aborted" {
		return "has already completed"
	}
	return "isn't pending"
}

func newAbortCmd(l *lazyEnv) *cobra.Command {
	return newJobActionCmd(l, "abort", "Fail a pending or in-progress job", "aborted",
		func(s jobService) func(context.Context, int64) (*models.Job, error) { return s.Abort })
}

func newExpediteCmd(l *lazyEnv) *cobra.Command {
	return newJobActionCmd(l, "expedite", "Make a pending job due now", "expedited",
		func(s jobService) func(context.Context, int64) (*models.Job, error) { return s.Expedite })
}

// parseArgs keeps integer arguments numeric so their identifier matches
// jobs queued by the engine itself.
func parseArgs(raw []string) []any {
	out := make([]any, len(raw))
	for i, a := range raw {
		if n, err := strconv.ParseInt(a, 10, 64); err == nil {
			out[i] = n
			continue
		}
		out[i] = a
	}
	return out
}

func newQueueCmd(l *lazyEnv) *cobra.Command {
	var (
		sourceID int64
		delay    time.Duration
		persist  bool
	)
	cmd := &cobra.Command{
		Use:   "queue <job-name> [args...]",
		Short: "Queue a job unless one with the same identity is already incomplete",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !jobs.IsDeclared(name) {
				return fmt.Errorf("%w: %q", jobs.ErrUnknownKind, name)
			}
			if delay < 0 {
				return fmt.Errorf("delay must not be negative")
			}
			req := jobs.QueueRequest{Name: name, Args: parseArgs(args[1:]), Delay: delay, Persist: persist}
			if cmd.Flags().Changed("source") {
				req.SourceID = &sourceID
			}

			e, err := l.get(cmd.Context())
			if err != nil {
				return err
			}
			job, created, err := e.jobs.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !created {
				cmd.Printf("Job %d (%s) is already %s\n", job.ID, job, job.Status)
				return nil
			}
			refreshSummary(cmd.Context(), e.cache)
			cmd.Printf("Queued job %d (%s), scheduled for %s\n", job.ID, job, job.ScheduledStartDate.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().Int64Var(&sourceID, "source", 0, "source the job belongs to")
	cmd.Flags().DurationVar(&delay, "delay", 0, "postpone the job by this long")
	cmd.Flags().BoolVar(&persist, "persist", false, "exempt the job from retention cleanup")
	return cmd
}

func newDrainCmd(l *lazyEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run the scheduler until no due jobs remain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := l.get(cmd.Context())
			if err != nil {
				return err
			}
			n, err := e.jobs.RunScheduledJobsUntilEmpty(cmd.Context())
			e.jobs.Wait()
			if err != nil {
				return fmt.Errorf("drain after %d iterations: %w", n, err)
			}
			cmd.Printf("Drained the schedule in %d iterations\n", n)
			return nil
		},
	}
}

func trackedCmd(l *lazyEnv, use, short string, run func(jobService) func(context.Context) (*models.Job, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := l.get(cmd.Context())
			if err != nil {
				return err
			}
			job, err := run(e.jobs)(cmd.Context())
			e.jobs.Wait()
			if errors.Is(err, jobs.ErrAlreadyRunning) {
				cmd.Printf("Job %d (%s) is already in progress\n", job.ID, job)
				return nil
			}
			if err != nil {
				return err
			}
			cmd.Printf("Job %d (%s) finished with %s: %s\n", job.ID, job, job.Status, job.ResultMessage)
			return nil
		},
	}
}

func newCollectCmd(l *lazyEnv) *cobra.Command {
	return trackedCmd(l, "collect", "Collect finished results from the compute backend once",
		func(s jobService) func(context.Context) (*models.Job, error) { return s.CollectResults })
}

func newPeriodicCmd(l *lazyEnv) *cobra.Command {
	return trackedCmd(l, "periodic", "Queue periodic jobs that are missing from the schedule",
		func(s jobService) func(context.Context) (*models.Job, error) { return s.QueuePeriodicJobs })
}
