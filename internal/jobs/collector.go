package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kiranshivaraju/visionjobs/internal/backend"
	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

// FailureHandler is implemented by remote kinds that must clean up their
// subject when a work unit fails.
type FailureHandler interface {
	Failed(ctx context.Context, job *models.Job, res backend.Result)
}

// CollectResults drains finished work units from the pool and finishes
// their jobs.
func (s *Service) CollectResults(ctx context.Context) (*models.Job, error) {
	return s.RunTracked(ctx, CollectResults, s.collectResults)
}

func (s *Service) collectResults(ctx context.Context) Outcome {
	wrapUp := s.now().Add(s.opts.MaxDuration)

	results, err := s.backend.Collect(ctx, s.opts.CollectBatch)
	if err != nil {
		return Failed(fmt.Sprintf("Couldn't collect results: %v", err))
	}

	counts := map[string]int{}
	timedOut := false
	for i, res := range results {
		if i > 0 && i%s.opts.DeadlineCheckEvery == 0 && s.now().After(wrapUp) {
			timedOut = true
			s.requeue(ctx, results[i:])
			break
		}
		counts[res.Status]++
		s.metrics.collected.WithLabelValues(res.Status).Inc()
		if res.Finished() {
			s.handleResult(ctx, res)
		}
	}

	o := Succeeded(collectMessage(counts, timedOut))
	o.Hidden = len(counts) == 0
	return o
}

func (s *Service) requeue(ctx context.Context, results []backend.Result) {
	var finished []backend.Result
	for _, res := range results {
		if res.Finished() {
			finished = append(finished, res)
		}
	}
	if err := s.backend.Requeue(ctx, finished); err != nil {
		slog.Error("returning results to the pool", "count", len(finished), "error", err)
	}
}

func (s *Service) handleResult(ctx context.Context, res backend.Result) {
	attrs := []any{"job_id", res.Unit.JobID, "handle", res.Unit.Handle, "status", res.Status}

	job, err := s.store.GetJob(ctx, res.Unit.JobID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("discarding result of a deleted job", attrs...)
		return
	}
	if err != nil {
		slog.Error("loading job for result", append(attrs, "error", err)...)
		s.requeue(ctx, []backend.Result{res})
		return
	}
	if job.Status != models.JobStatusInProgress {
		slog.Info("discarding result of a job no longer in progress", append(attrs, "job_status", job.Status)...)
		return
	}
	if job.ExternalUnitID != nil && *job.ExternalUnitID != res.Unit.Handle {
		slog.Warn("discarding result of a superseded work unit", attrs...)
		return
	}

	kind, ok := s.registry.Lookup(job.JobName)
	remote, isRemote := kind.(RemoteKind)
	if !ok || !isRemote {
		if _, err := s.finish(ctx, job, Failed("Unrecognized job name")); err != nil {
			slog.Error("finishing job", append(attrs, "error", err)...)
		}
		return
	}

	var o Outcome
	if res.Status == backend.StatusSucceeded {
		o = s.safeRun(ctx, job, func(ctx context.Context) Outcome {
			return remote.Complete(ctx, job, res)
		})
	} else {
		o = ResultFailure(res)
		if fh, ok := kind.(FailureHandler); ok {
			fh.Failed(ctx, job, res)
		}
	}

	if _, err := s.finish(ctx, job, o); err != nil {
		slog.Error("finishing job", append(attrs, "error", err)...)
	}
}

func collectMessage(counts map[string]int, timedOut bool) string {
	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)

	parts := make([]string, len(statuses))
	for i, status := range statuses {
		parts[i] = fmt.Sprintf("%d %s", counts[status], status)
	}

	msg := "Jobs checked/collected: "
	if len(parts) == 0 {
		msg += "0"
	} else {
		msg += strings.Join(parts, ", ")
	}
	if timedOut {
		msg += " (timed out)"
	}
	return msg
}
