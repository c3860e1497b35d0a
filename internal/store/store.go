package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	KeyStore
	JobStore
	CatalogStore
	ErrorLogStore
}

// KeyStore manages API keys for the dashboard API.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// JobStore is the durable record of scheduled work.
type JobStore interface {
	// QueueJob returns the incomplete job with the given identity, or creates
	// one. The bool result is true when a new row was created.
	QueueJob(ctx context.Context, params QueueParams) (*models.Job, bool, error)
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	FindIncompleteJob(ctx context.Context, identity models.Identity) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id int64, status string, opts ...JobUpdateOption) (*models.Job, error)
	SetExternalUnit(ctx context.Context, id int64, handle string) error
	TouchJob(ctx context.Context, id int64) error
	ExpediteJob(ctx context.Context, id int64, at time.Time) (*models.Job, error)

	ListDueJobs(ctx context.Context, filter DueFilter) ([]*models.Job, error)
	ListIncompleteArgs(ctx context.Context, jobName string, sourceID int64) ([]string, error)
	ListStuckJobs(ctx context.Context, filter StuckFilter) ([]*models.Job, error)
	DeleteOldJobs(ctx context.Context, cutoff time.Time) (int64, error)

	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	CountJobsBySource(ctx context.Context, completedSince time.Time, excludeNames []string) ([]*SourceJobCounts, error)
}

// CatalogStore exposes the subjects that vision jobs operate on.
type CatalogStore interface {
	GetSource(ctx context.Context, id int64) (*models.Source, error)
	ListSourceIDs(ctx context.Context) ([]int64, error)

	GetImage(ctx context.Context, id int64) (*models.Image, error)
	ListRowCols(ctx context.Context, imageID int64) ([]models.RowCol, error)
	ListImagesWithoutFeatures(ctx context.Context, sourceID int64) ([]*models.Image, error)
	ListTrainingImages(ctx context.Context, sourceID int64) ([]*models.Image, error)
	ListImagesToClassify(ctx context.Context, sourceID int64, classifierID int64) ([]*models.Image, error)
	SaveFeatures(ctx context.Context, imageID int64, extractor string) error
	SaveClassification(ctx context.Context, imageID int64, classifierID int64, scores []models.LabelScore) error

	GetCurrentClassifier(ctx context.Context, sourceID int64) (*models.Classifier, error)
	GetClassifier(ctx context.Context, id int64) (*models.Classifier, error)
	// GetLatestClassifier returns the newest classifier of a source in any status.
	GetLatestClassifier(ctx context.Context, sourceID int64) (*models.Classifier, error)
	CreateClassifier(ctx context.Context, sourceID int64, nbrTrainImages int) (*models.Classifier, error)
	UpdateClassifier(ctx context.Context, id int64, status string, accuracy *float64) error

	GetAPIJobUnit(ctx context.Context, parentID int64, order int) (*models.APIJobUnit, error)
	LinkAPIJobUnit(ctx context.Context, unitID int64, jobID int64) error
	SaveAPIJobUnitResult(ctx context.Context, unitID int64, result json.RawMessage) error
}

// ErrorLogStore persists structured failure reports.
type ErrorLogStore interface {
	UpsertErrorLog(ctx context.Context, entry *models.ErrorLog) (*models.ErrorLog, error)
	ListErrorLogs(ctx context.Context, limit int) ([]*models.ErrorLog, error)
}

// QueueParams describes a job to create when no incomplete job with the same identity exists.
type QueueParams struct {
	Identity       models.Identity
	ScheduledStart time.Time
	Persist        bool
	Hidden         bool
}

// DueFilter selects pending jobs for the scheduler.
type DueFilter struct {
	Now time.Time
	// IgnoreSchedule selects pending jobs regardless of their scheduled start.
	IgnoreSchedule bool
	ExcludeNames   []string
	Limit          int
}

// StuckFilter selects in-progress jobs last modified strictly inside (After, Before).
type StuckFilter struct {
	After        time.Time
	Before       time.Time
	JobNames     []string
	ExcludeNames []string
}

const (
	SortByStatus          = "status"
	SortByRecentlyUpdated = "recently_updated"
	SortByLatestScheduled = "latest_scheduled"
)

// StatusCompleted is a JobFilter status matching both terminal statuses.
const StatusCompleted = "completed"

type JobFilter struct {
	Status       string
	JobName      string
	SourceID     *int64
	SiteWideOnly bool
	ExcludeNames []string
	ShowHidden   bool
	Sort         string
	Page         int
	Limit        int
}

// SourceJobCounts is one row of the overall jobs dashboard.
// SourceID is nil for site-wide jobs.
type SourceJobCounts struct {
	SourceID          *int64 `json:"source_id"`
	SourceName        string `json:"source_name,omitempty"`
	Pending           int    `json:"pending"`
	InProgress        int    `json:"in_progress"`
	RecentlyCompleted int    `json:"recently_completed"`
}

type jobUpdateParams struct {
	ResultMessage *string
	ErrorMessage  *string
	Hidden        *bool
}

type JobUpdateOption func(*jobUpdateParams)

func WithResultMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ResultMessage = &msg
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithHidden(hidden bool) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Hidden = &hidden
	}
}

// ApplyJobUpdateOptions resolves options into their values. Exposed for
// alternative JobStore implementations.
func ApplyJobUpdateOptions(opts ...JobUpdateOption) (result, errMsg *string, hidden *bool) {
	p := &jobUpdateParams{}
	for _, opt := range opts {
		opt(p)
	}
	return p.ResultMessage, p.ErrorMessage, p.Hidden
}

var validTransitions = map[string][]string{
	models.JobStatusPending:    {models.JobStatusInProgress, models.JobStatusFailure},
	models.JobStatusInProgress: {models.JobStatusSuccess, models.JobStatusFailure},
}

// PreviousStatuses returns the statuses from which a job may move to status.
func PreviousStatuses(status string) []string {
	var prev []string
	for from, tos := range validTransitions {
		for _, to := range tos {
			if to == status {
				prev = append(prev, from)
			}
		}
	}
	return prev
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to string) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
