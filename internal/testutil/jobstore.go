package testutil

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

// MemJobStore is an in-memory store.JobStore for unit tests.
type MemJobStore struct {
	mu     sync.Mutex
	jobs   map[int64]*models.Job
	nextID int64
	// Now stamps create and modify dates. Defaults to time.Now.
	Now func() time.Time
}

// NewMemJobStore creates an empty MemJobStore.
func NewMemJobStore() *MemJobStore {
	return &MemJobStore{jobs: map[int64]*models.Job{}, Now: time.Now}
}

func sameSource(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	return &c
}

func (s *MemJobStore) findIncomplete(id models.Identity) *models.Job {
	for _, j := range s.jobs {
		if j.JobName == id.JobName && j.ArgIdentifier == id.ArgIdentifier &&
			sameSource(j.SourceID, id.SourceID) && !j.Completed() {
			return j
		}
	}
	return nil
}

func (s *MemJobStore) QueueJob(_ context.Context, p store.QueueParams) (*models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findIncomplete(p.Identity); existing != nil {
		return copyJob(existing), false, nil
	}

	attempt := 1
	var latest *models.Job
	for _, j := range s.jobs {
		if j.JobName == p.Identity.JobName && j.ArgIdentifier == p.Identity.ArgIdentifier &&
			sameSource(j.SourceID, p.Identity.SourceID) && (latest == nil || j.ID > latest.ID) {
			latest = j
		}
	}
	if latest != nil && latest.Status == models.JobStatusFailure {
		attempt = latest.AttemptNumber + 1
	}

	now := s.Now().UTC()
	start := p.ScheduledStart
	if start.IsZero() {
		start = now
	}
	s.nextID++
	j := &models.Job{
		ID:                 s.nextID,
		JobName:            p.Identity.JobName,
		ArgIdentifier:      p.Identity.ArgIdentifier,
		SourceID:           p.Identity.SourceID,
		Status:             models.JobStatusPending,
		AttemptNumber:      attempt,
		Persist:            p.Persist,
		Hidden:             p.Hidden,
		ScheduledStartDate: start.UTC(),
		CreateDate:         now,
		ModifyDate:         now,
	}
	s.jobs[j.ID] = j
	return copyJob(j), true, nil
}

func (s *MemJobStore) GetJob(_ context.Context, id int64) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemJobStore) FindIncompleteJob(_ context.Context, identity models.Identity) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.findIncomplete(identity); j != nil {
		return copyJob(j), nil
	}
	return nil, store.ErrNotFound
}

func (s *MemJobStore) UpdateJobStatus(_ context.Context, id int64, status string, opts ...store.JobUpdateOption) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !store.CanTransition(j.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}

	now := s.Now().UTC()
	j.Status = status
	j.ModifyDate = now
	if status == models.JobStatusInProgress {
		j.StartDate = &now
	}
	result, errMsg, hidden := store.ApplyJobUpdateOptions(opts...)
	if result != nil {
		j.ResultMessage = *result
	}
	if errMsg != nil {
		j.ErrorMessage = errMsg
	}
	if hidden != nil {
		j.Hidden = *hidden
	}
	return copyJob(j), nil
}

func (s *MemJobStore) SetExternalUnit(_ context.Context, id int64, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.ExternalUnitID = &handle
	j.ModifyDate = s.Now().UTC()
	return nil
}

func (s *MemJobStore) TouchJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.ModifyDate = s.Now().UTC()
	return nil
}

func (s *MemJobStore) ExpediteJob(_ context.Context, id int64, at time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusPending {
		return copyJob(j), fmt.Errorf("%w: job %d isn't pending", store.ErrInvalidTransition, id)
	}
	j.ScheduledStartDate = at.UTC()
	j.ModifyDate = at.UTC()
	return copyJob(j), nil
}

func (s *MemJobStore) sorted() []*models.Job {
	out := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (s *MemJobStore) ListDueJobs(_ context.Context, f store.DueFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.sorted() {
		if j.Status != models.JobStatusPending || slices.Contains(f.ExcludeNames, j.JobName) {
			continue
		}
		if !f.IgnoreSchedule && j.ScheduledStartDate.After(f.Now) {
			continue
		}
		out = append(out, copyJob(j))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemJobStore) ListIncompleteArgs(_ context.Context, jobName string, sourceID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, j := range s.sorted() {
		if j.JobName == jobName && j.SourceID != nil && *j.SourceID == sourceID && !j.Completed() {
			out = append(out, j.ArgIdentifier)
		}
	}
	return out, nil
}

func (s *MemJobStore) ListStuckJobs(_ context.Context, f store.StuckFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.sorted() {
		if j.Status != models.JobStatusInProgress || !j.ModifyDate.After(f.After) || !j.ModifyDate.Before(f.Before) {
			continue
		}
		if len(f.JobNames) > 0 && !slices.Contains(f.JobNames, j.JobName) {
			continue
		}
		if slices.Contains(f.ExcludeNames, j.JobName) {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].ModifyDate.After(out[b].ModifyDate) })
	return out, nil
}

func (s *MemJobStore) DeleteOldJobs(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.ModifyDate.Before(cutoff) && !j.Persist {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemJobStore) ListJobs(_ context.Context, f store.JobFilter) ([]*models.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.sorted() {
		switch {
		case f.Status == store.StatusCompleted && !j.Completed():
			continue
		case f.Status != "" && f.Status != store.StatusCompleted && j.Status != f.Status:
			continue
		case f.JobName != "" && j.JobName != f.JobName:
			continue
		case f.SourceID != nil && !sameSource(j.SourceID, f.SourceID):
			continue
		case f.SiteWideOnly && j.SourceID != nil:
			continue
		case !f.ShowHidden && j.Hidden:
			continue
		case slices.Contains(f.ExcludeNames, j.JobName):
			continue
		}
		out = append(out, copyJob(j))
	}
	return out, len(out), nil
}

func (s *MemJobStore) CountJobsBySource(_ context.Context, completedSince time.Time, excludeNames []string) ([]*store.SourceJobCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySource := map[int64]*store.SourceJobCounts{}
	siteWide := &store.SourceJobCounts{}
	for _, j := range s.jobs {
		if slices.Contains(excludeNames, j.JobName) {
			continue
		}
		c := siteWide
		if j.SourceID != nil {
			if bySource[*j.SourceID] == nil {
				id := *j.SourceID
				bySource[id] = &store.SourceJobCounts{SourceID: &id}
			}
			c = bySource[*j.SourceID]
		}
		switch {
		case j.Status == models.JobStatusPending:
			c.Pending++
		case j.Status == models.JobStatusInProgress:
			c.InProgress++
		case j.ModifyDate.After(completedSince):
			c.RecentlyCompleted++
		}
	}
	out := []*store.SourceJobCounts{siteWide}
	for _, c := range bySource {
		out = append(out, c)
	}
	return out, nil
}

// Put stores job as given, assigning an id if it has none.
func (s *MemJobStore) Put(job *models.Job) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == 0 {
		s.nextID++
		job.ID = s.nextID
	} else if job.ID > s.nextID {
		s.nextID = job.ID
	}
	if job.AttemptNumber == 0 {
		job.AttemptNumber = 1
	}
	s.jobs[job.ID] = copyJob(job)
	return copyJob(job)
}

// SetModifyDate backdates a job.
func (s *MemJobStore) SetModifyDate(id int64, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.ModifyDate = t.UTC()
	}
}

// All returns every job in id order.
func (s *MemJobStore) All() []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.sorted() {
		out = append(out, copyJob(j))
	}
	return out
}

// Named returns the jobs with the given name in id order.
func (s *MemJobStore) Named(name string) []*models.Job {
	var out []*models.Job
	for _, j := range s.All() {
		if j.JobName == name {
			out = append(out, j)
		}
	}
	return out
}

var _ store.JobStore = (*MemJobStore)(nil)

// Delete removes a job as if its subject had been deleted.
func (s *MemJobStore) Delete(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}
