// Package jobs schedules, dispatches and tracks the lifecycle of jobs.
//
// Every job moves forward only: pending, in progress, then success or
// failure. At most one job per (name, argument, source) identity is
// pending or in progress at a time, which also keeps the scheduler,
// collector and registrar runs single-instance across processes.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/visionjobs/internal/backend"
	"github.com/kiranshivaraju/visionjobs/internal/cache"
	"github.com/kiranshivaraju/visionjobs/internal/config"
	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

// ErrAlreadyRunning is returned when a tracked run is skipped because
// another instance is in progress.
var ErrAlreadyRunning = errors.New("already in progress")

// ErrIterationCap is returned when draining due jobs does not converge.
var ErrIterationCap = errors.New("scheduled jobs did not drain within the iteration cap")

const statusCacheTTL = 30 * time.Minute

// ErrorReporter persists structured failure reports.
type ErrorReporter interface {
	Report(ctx context.Context, kind string, job *models.Job, detail string) error
}

// Notifier delivers messages to operators.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Options tune the engine.
type Options struct {
	// MaxDuration is the soft deadline of one scheduler or collector run.
	MaxDuration time.Duration
	// DeadlineCheckEvery is how many jobs or results are processed between deadline checks.
	DeadlineCheckEvery int
	// RunImmediately makes every pending job due regardless of its scheduled start.
	RunImmediately bool
	Retention      time.Duration
	StuckDays      int
	// StuckDaysHighSpec applies to kinds that run on larger compute instances.
	StuckDaysHighSpec int
	CollectBatch      int
	Workers           int
	SubjectPrefix     string
	MaxIterations     int
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxDuration:        10 * time.Minute,
		DeadlineCheckEvery: 10,
		Retention:          30 * 24 * time.Hour,
		StuckDays:          3,
		StuckDaysHighSpec:  8,
		CollectBatch:       100,
		Workers:            4,
		MaxIterations:      100,
	}
}

// OptionsFromConfig builds Options from the process configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.MaxDuration = cfg.Jobs.MaxDuration()
	opts.DeadlineCheckEvery = cfg.Jobs.DeadlineCheckEvery
	opts.RunImmediately = cfg.Jobs.RunImmediately
	opts.Retention = cfg.Jobs.Retention()
	opts.StuckDays = cfg.Jobs.StuckDays
	opts.StuckDaysHighSpec = cfg.Jobs.StuckDaysHighSpec
	opts.CollectBatch = cfg.Jobs.CollectorBatchSize
	opts.Workers = cfg.Jobs.Workers
	opts.SubjectPrefix = cfg.Email.SubjectPrefix
	return opts
}

// Deps are the collaborators of a Service. Reporter, Notifier and Cache
// may be nil.
type Deps struct {
	Queue    *Queue
	Store    store.JobStore
	Backend  backend.Backend
	Registry *Registry
	Reporter ErrorReporter
	Notifier Notifier
	Cache    cache.Cache
}

// Service runs the job lifecycle: starting due jobs, collecting their
// results and finishing them.
type Service struct {
	queue    *Queue
	store    store.JobStore
	backend  backend.Backend
	registry *Registry
	reporter ErrorReporter
	notifier Notifier
	cache    cache.Cache
	executor *Executor
	metrics  *Metrics
	opts     Options
	now      func() time.Time
}

// NewService creates a Service.
func NewService(d Deps, opts Options) *Service {
	if opts.DeadlineCheckEvery <= 0 {
		opts.DeadlineCheckEvery = 10
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 100
	}
	return &Service{
		queue:    d.Queue,
		store:    d.Store,
		backend:  d.Backend,
		registry: d.Registry,
		reporter: d.Reporter,
		notifier: d.Notifier,
		cache:    d.Cache,
		executor: NewExecutor(opts.Workers),
		metrics:  d.Queue.metrics,
		opts:     opts,
		now:      d.Queue.now,
	}
}

// Enqueue ensures a job exists; see Queue.Enqueue.
func (s *Service) Enqueue(ctx context.Context, req QueueRequest) (*models.Job, bool, error) {
	return s.queue.Enqueue(ctx, req)
}

// Wait blocks until local jobs started by this service have finished.
func (s *Service) Wait() {
	s.executor.Wait()
}

// Abort fails a pending or in-progress job. Results arriving later for
// the job are discarded.
func (s *Service) Abort(ctx context.Context, id int64) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Completed() {
		return job, fmt.Errorf("%w: job %d has already completed", store.ErrInvalidTransition, id)
	}
	return s.finish(ctx, job, Failed("Aborted manually"))
}

// Expedite makes a pending job due now.
func (s *Service) Expedite(ctx context.Context, id int64) (*models.Job, error) {
	return s.store.ExpediteJob(ctx, id, s.now())
}

// RunTracked runs fn as the job (name, "", site-wide). If that job is
// already in progress, the run is skipped with ErrAlreadyRunning.
func (s *Service) RunTracked(ctx context.Context, name string, fn func(ctx context.Context) Outcome) (*models.Job, error) {
	job, _, err := s.queue.Enqueue(ctx, QueueRequest{Name: name})
	if err != nil {
		return nil, fmt.Errorf("queueing %s: %w", name, err)
	}

	if job.Status == models.JobStatusInProgress {
		// A run that outlived twice its deadline belongs to a dead process.
		if s.now().Sub(job.ModifyDate) < 2*s.opts.MaxDuration {
			slog.Info("already in progress", "job_name", name, "job_id", job.ID)
			return job, ErrAlreadyRunning
		}
		slog.Warn("abandoning tracked run", "job_name", name, "job_id", job.ID, "since", job.ModifyDate)
		if _, err := s.finish(ctx, job, Failed("Abandoned after exceeding its deadline")); err != nil {
			return nil, err
		}
		if job, _, err = s.queue.Enqueue(ctx, QueueRequest{Name: name}); err != nil {
			return nil, fmt.Errorf("queueing %s: %w", name, err)
		}
	}

	started, err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusInProgress)
	if errors.Is(err, store.ErrInvalidTransition) {
		slog.Info("already in progress", "job_name", name, "job_id", job.ID)
		return job, ErrAlreadyRunning
	}
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	began := time.Now()
	outcome := s.safeRun(ctx, started, fn)
	s.metrics.runSeconds.WithLabelValues(name).Observe(time.Since(began).Seconds())

	return s.finish(ctx, started, outcome)
}

// startJob claims a due job and hands it to its kind.
func (s *Service) startJob(ctx context.Context, job *models.Job) error {
	kind, ok := s.registry.Lookup(job.JobName)
	if !ok {
		_, err := s.finish(ctx, job, Failed("Unrecognized job name"))
		return err
	}

	started, err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusInProgress)
	if errors.Is(err, store.ErrInvalidTransition) {
		slog.Info("job was started elsewhere", "job_id", job.ID, "job_name", job.JobName)
		return nil
	}
	if err != nil {
		return fmt.Errorf("starting job %d: %w", job.ID, err)
	}
	s.mirrorStatus(ctx, started)

	switch k := kind.(type) {
	case RemoteKind:
		return s.dispatch(ctx, started, k)
	case LocalKind:
		runCtx := context.WithoutCancel(ctx)
		err := s.executor.Go(ctx, func() {
			outcome := s.safeRun(runCtx, started, func(ctx context.Context) Outcome {
				return k.Run(ctx, started)
			})
			if _, err := s.finish(runCtx, started, outcome); err != nil {
				slog.Error("finishing job", "job_id", started.ID, "job_name", started.JobName, "error", err)
			}
		})
		if err != nil {
			_, ferr := s.finish(runCtx, started, Failed("Shut down before the job could run"))
			return errors.Join(err, ferr)
		}
		return nil
	}
	return nil
}

// dispatch submits a remote job's work unit. Submission failures are
// final; a new job must be queued to try again.
func (s *Service) dispatch(ctx context.Context, job *models.Job, k RemoteKind) error {
	payload, err := k.Prepare(ctx, job)
	if err != nil {
		slog.Warn("job not submitted", "job_id", job.ID, "job_name", job.JobName, "error", err)
		s.metrics.dispatched.WithLabelValues(job.JobName, "not_submitted").Inc()
		_, ferr := s.finish(ctx, job, Failed(err.Error()))
		return ferr
	}

	handle, err := s.backend.Submit(ctx, backend.WorkUnit{
		JobID:   job.ID,
		Kind:    job.JobName,
		Payload: payload,
	})
	if err != nil {
		slog.Error("dispatch failed", "job_id", job.ID, "job_name", job.JobName, "backend", s.backend.Name(), "error", err)
		s.metrics.dispatched.WithLabelValues(job.JobName, "error").Inc()
		_, ferr := s.finish(ctx, job, Failed(err.Error()))
		return ferr
	}
	s.metrics.dispatched.WithLabelValues(job.JobName, "submitted").Inc()

	// The unit is already running; losing its handle would orphan the job.
	if err := s.store.SetExternalUnit(context.WithoutCancel(ctx), job.ID, handle); err != nil {
		return fmt.Errorf("recording handle for job %d: %w", job.ID, err)
	}
	slog.Info("job submitted", "job_id", job.ID, "job_name", job.JobName, "handle", handle)
	return nil
}

// finish moves job to the outcome's terminal status and runs the
// follow-ups: operator alerts and re-queueing periodic jobs. It outlives
// cancellation of ctx so a job started before shutdown still completes.
func (s *Service) finish(ctx context.Context, job *models.Job, o Outcome) (*models.Job, error) {
	ctx = context.WithoutCancel(ctx)
	opts := []store.JobUpdateOption{store.WithResultMessage(o.Message)}
	if !o.Succeeded() {
		opts = append(opts, store.WithErrorMessage(o.Message))
	}
	if o.Hidden {
		opts = append(opts, store.WithHidden(true))
	}

	done, err := s.store.UpdateJobStatus(ctx, job.ID, o.Status, opts...)
	if err != nil {
		return nil, fmt.Errorf("finishing job %d: %w", job.ID, err)
	}
	s.metrics.finished.WithLabelValues(done.JobName, done.Status, o.Reason).Inc()
	s.mirrorStatus(ctx, done)

	attrs := []any{"job_id", done.ID, "job_name", done.JobName, "arg", done.ArgIdentifier, "result", o.Message}
	switch o.Reason {
	case "":
		slog.Debug("job succeeded", attrs...)
	case ReasonCompute:
		slog.Error("job failed", append(attrs, "reason", o.Reason)...)
		s.alert(ctx, done, o)
	default:
		slog.Warn("job failed", append(attrs, "reason", o.Reason)...)
	}

	if sched, ok := PeriodicScheduleFor(done.JobName); ok {
		if _, _, err := s.queue.Enqueue(ctx, QueueRequest{Name: done.JobName, Delay: sched.NextRunDelay(s.now())}); err != nil {
			slog.Error("re-queueing periodic job", "job_name", done.JobName, "error", err)
		}
	}
	return done, nil
}

func (s *Service) alert(ctx context.Context, job *models.Job, o Outcome) {
	if s.reporter != nil {
		if err := s.reporter.Report(ctx, o.ErrorType, job, o.Message); err != nil {
			slog.Error("recording error report", "job_id", job.ID, "error", err)
		}
	}
	if s.notifier != nil {
		subject := fmt.Sprintf("%sCompute job failed: %s", s.opts.SubjectPrefix, job.JobName)
		body := fmt.Sprintf("Job: %s\nJob ID: %d\n\n%s", job, job.ID, o.Message)
		if err := s.notifier.Notify(ctx, subject, body); err != nil {
			slog.Error("notifying operators", "job_id", job.ID, "error", err)
		}
	}
}

// safeRun calls fn, turning a panic into a compute error.
func (s *Service) safeRun(ctx context.Context, job *models.Job, fn func(ctx context.Context) Outcome) (o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in job", "job_id", job.ID, "job_name", job.JobName, "error", r)
			o = ComputeError("Panic", fmt.Sprint(r))
		}
	}()
	return fn(ctx)
}

func (s *Service) mirrorStatus(ctx context.Context, job *models.Job) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJobStatus(ctx, job.ID, job.Status, statusCacheTTL); err != nil {
		slog.Debug("caching job status", "job_id", job.ID, "error", err)
	}
}
