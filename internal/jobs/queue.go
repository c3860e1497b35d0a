package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

// QueueRequest describes a job to ensure exists.
type QueueRequest struct {
	Name     string
	Args     []any
	SourceID *int64
	// Delay postpones eligibility; the job may start at now + Delay.
	Delay   time.Duration
	Persist bool
	Hidden  bool
}

// Identity returns the deduplication key of the requested job.
func (r QueueRequest) Identity() models.Identity {
	return models.Identity{
		JobName:       r.Name,
		ArgIdentifier: models.ArgsToIdentifier(r.Args...),
		SourceID:      r.SourceID,
	}
}

// Queue creates jobs, returning the existing incomplete job when one with
// the same identity is already pending or in progress.
type Queue struct {
	store   store.JobStore
	metrics *Metrics
	now     func() time.Time
}

// NewQueue creates a Queue backed by st.
func NewQueue(st store.JobStore, metrics *Metrics) *Queue {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Queue{store: st, metrics: metrics, now: time.Now}
}

// Enqueue returns the incomplete job for the request's identity, creating
// it if needed. created is false when an existing job was returned.
func (q *Queue) Enqueue(ctx context.Context, req QueueRequest) (job *models.Job, created bool, err error) {
	if req.Name == "" {
		return nil, false, fmt.Errorf("job name is required")
	}
	if req.Delay < 0 {
		req.Delay = 0
	}

	job, created, err = q.store.QueueJob(ctx, store.QueueParams{
		Identity:       req.Identity(),
		ScheduledStart: q.now().UTC().Add(req.Delay),
		Persist:        req.Persist,
		Hidden:         req.Hidden,
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		q.metrics.queued.WithLabelValues(job.JobName).Inc()
		slog.Debug("job queued", "job_id", job.ID, "job_name", job.JobName, "arg", job.ArgIdentifier, "source_id", job.SourceID)
	}
	return job, created, nil
}
