package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/kiranshivaraju/visionjobs/internal/api/response"
	"github.com/kiranshivaraju/visionjobs/internal/cache"
	"github.com/kiranshivaraju/visionjobs/internal/jobs"
	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

const (
	summaryTTL = 30 * time.Second
	// RecentWindow is how far back completed jobs count on the summary.
	RecentWindow = 3 * 24 * time.Hour
)

// JobActions are the job operations available to operators.
type JobActions interface {
	Enqueue(ctx context.Context, req jobs.QueueRequest) (*models.Job, bool, error)
	Abort(ctx context.Context, id int64) (*models.Job, error)
	Expedite(ctx context.Context, id int64) (*models.Job, error)
}

// JobReader is the read side of the job store used by the dashboard.
type JobReader interface {
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	CountJobsBySource(ctx context.Context, completedSince time.Time, excludeNames []string) ([]*store.SourceJobCounts, error)
}

// JobSummary is the overall jobs dashboard.
type JobSummary struct {
	Sources  []*store.SourceJobCounts `json:"sources"`
	SiteWide *store.SourceJobCounts   `json:"site_wide"`
}

// Source checks are frequent and uninteresting, so the summary skips them.
var summaryExcluded = []string{jobs.KindCheckSource}

// NewJobSummaryHandler returns GET /api/v1/jobs/summary. The aggregate is
// cached briefly in Redis; cache failures fall back to the database.
func NewJobSummaryHandler(reader JobReader, c cache.Cache, now func() time.Time) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := cache.DashboardSummaryKey()

		if body, ok, err := c.Get(ctx, key); err != nil {
			slog.Warn("read cached job summary", "error", err)
		} else if ok {
			response.Raw(w, body)
			return
		}

		counts, err := reader.CountJobsBySource(ctx, now().Add(-RecentWindow), summaryExcluded)
		if err != nil {
			slog.Error("count jobs by source", "error", err)
			writeStoreError(w, err, "")
			return
		}

		summary := JobSummary{Sources: []*store.SourceJobCounts{}, SiteWide: &store.SourceJobCounts{}}
		for _, row := range counts {
			if row.SourceID == nil {
				summary.SiteWide = row
				continue
			}
			summary.Sources = append(summary.Sources, row)
		}
		// Busiest sources first.
		sort.SliceStable(summary.Sources, func(a, b int) bool {
			sa, sb := summary.Sources[a], summary.Sources[b]
			if sa.InProgress != sb.InProgress {
				return sa.InProgress > sb.InProgress
			}
			return sa.Pending > sb.Pending
		})

		body, err := response.Encode(summary)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		if err := c.Set(ctx, key, body, summaryTTL); err != nil {
			slog.Warn("cache job summary", "error", err)
		}
		response.Raw(w, body)
	}
}

// NewListJobsHandler returns GET /api/v1/jobs.
func NewListJobsHandler(reader JobReader, perPage int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseJobFilter(r, perPage)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		listJobs(w, r, reader, filter)
	}
}

// NewSourceJobsHandler returns GET /api/v1/sources/{sourceID}/jobs.
func NewSourceJobsHandler(reader JobReader, perPage int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sourceID, ok := pathInt64(r, "sourceID")
		if !ok {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid source id", nil)
			return
		}
		filter, err := parseJobFilter(r, perPage)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		filter.SourceID = &sourceID
		filter.SiteWideOnly = false
		listJobs(w, r, reader, filter)
	}
}

func listJobs(w http.ResponseWriter, r *http.Request, reader JobReader, filter store.JobFilter) {
	list, total, err := reader.ListJobs(r.Context(), filter)
	if err != nil {
		slog.Error("list jobs", "error", err)
		writeStoreError(w, err, "")
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	response.Collection(w, list, response.NewPaginationMeta(filter.Page, filter.Limit, total))
}

var validStatusFilters = map[string]bool{
	"":                         true,
	models.JobStatusPending:    true,
	models.JobStatusInProgress: true,
	models.JobStatusSuccess:    true,
	models.JobStatusFailure:    true,
	store.StatusCompleted:      true,
}

var validSorts = map[string]bool{
	"":                          true,
	store.SortByStatus:          true,
	store.SortByRecentlyUpdated: true,
	store.SortByLatestScheduled: true,
}

func parseJobFilter(r *http.Request, perPage int) (store.JobFilter, error) {
	q := r.URL.Query()
	if perPage <= 0 {
		perPage = 20
	}

	filter := store.JobFilter{
		Status:  q.Get("status"),
		JobName: q.Get("name"),
		Sort:    q.Get("sort"),
	}
	if !validStatusFilters[filter.Status] {
		return filter, fmt.Errorf("unknown status %q", filter.Status)
	}
	if !validSorts[filter.Sort] {
		return filter, fmt.Errorf("unknown sort %q", filter.Sort)
	}

	switch v := q.Get("source_id"); v {
	case "":
	case "none":
		filter.SiteWideOnly = true
	default:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return filter, errors.New("source_id must be a positive integer or none")
		}
		filter.SourceID = &id
	}

	if v := q.Get("show_hidden"); v != "" {
		show, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("show_hidden must be a boolean")
		}
		filter.ShowHidden = show
	}

	var err error
	if filter.Page, err = queryInt(r, "page", 1); err != nil {
		return filter, err
	}
	if filter.Limit, err = queryInt(r, "limit", perPage); err != nil {
		return filter, err
	}
	filter.Limit = min(filter.Limit, 100)
	return filter, nil
}

// NewGetJobHandler returns GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(reader JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathInt64(r, "jobID")
		if !ok {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid job id", nil)
			return
		}
		job, err := reader.GetJob(r.Context(), id)
		if err != nil {
			writeStoreError(w, err, "Job not found")
			return
		}
		response.JSON(w, job)
	}
}

type queueJobRequest struct {
	Name         string        `json:"name"`
	Args         []json.Number `json:"args"`
	SourceID     *int64        `json:"source_id"`
	DelaySeconds int           `json:"delay_seconds"`
	Persist      bool          `json:"persist"`
}

type queueJobResponse struct {
	Job     *models.Job `json:"job"`
	Created bool        `json:"created"`
}

// NewQueueJobHandler returns POST /api/v1/jobs. Queueing a job whose
// identity is already pending or in progress returns that job with 200.
func NewQueueJobHandler(actions JobActions, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queueJobRequest
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if !jobs.IsDeclared(req.Name) {
			response.Error(w, http.StatusBadRequest, "UNKNOWN_JOB_KIND",
				fmt.Sprintf("%q is not a job that can be queued", req.Name), nil)
			return
		}
		if req.DelaySeconds < 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "delay_seconds must not be negative", nil)
			return
		}

		args := make([]any, len(req.Args))
		for i, a := range req.Args {
			args[i] = a
		}

		job, created, err := actions.Enqueue(r.Context(), jobs.QueueRequest{
			Name:     req.Name,
			Args:     args,
			SourceID: req.SourceID,
			Delay:    time.Duration(req.DelaySeconds) * time.Second,
			Persist:  req.Persist,
		})
		if err != nil {
			slog.Error("queue job", "job_name", req.Name, "error", err)
			writeStoreError(w, err, "")
			return
		}

		resp := queueJobResponse{Job: job, Created: created}
		if !created {
			response.JSON(w, resp)
			return
		}
		invalidateSummary(r.Context(), c)
		response.Created(w, resp)
	}
}

// NewAbortJobHandler returns POST /api/v1/jobs/{jobID}/abort.
func NewAbortJobHandler(actions JobActions, c cache.Cache) http.HandlerFunc {
	return jobAction(c, "abort", "has already completed", actions.Abort)
}

// NewExpediteJobHandler returns POST /api/v1/jobs/{jobID}/expedite.
func NewExpediteJobHandler(actions JobActions, c cache.Cache) http.HandlerFunc {
	return jobAction(c, "expedite", "isn't pending", actions.Expedite)
}

func jobAction(c cache.Cache, name, conflict string, act func(ctx context.Context, id int64) (*models.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathInt64(r, "jobID")
		if !ok {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid job id", nil)
			return
		}

		job, err := act(r.Context(), id)
		if errors.Is(err, store.ErrInvalidTransition) && job != nil {
			response.Error(w, http.StatusConflict, "INVALID_STATE",
				fmt.Sprintf("Job %d (%s) %s; no action taken", id, job, conflict),
				map[string]string{"status": job.Status})
			return
		}
		if err != nil {
			slog.Warn("job action failed", "action", name, "job_id", id, "error", err)
			writeStoreError(w, err, "Job not found")
			return
		}

		slog.Info("job action", "action", name, "job_id", id, "status", job.Status)
		invalidateSummary(r.Context(), c)
		response.JSON(w, job)
	}
}

func invalidateSummary(ctx context.Context, c cache.Cache) {
	if err := c.Delete(ctx, cache.DashboardSummaryKey()); err != nil {
		slog.Warn("invalidate job summary", "error", err)
	}
}
