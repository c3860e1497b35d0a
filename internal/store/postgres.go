package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKey(row rowScanner) (*models.APIKey, error) {
	var k models.APIKey
	if err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
		&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, job_name, arg_identifier, source_id, status, result_message, error_message,
	attempt_number, persist, hidden, external_unit_id, scheduled_start_date, start_date, create_date, modify_date`

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.JobName, &j.ArgIdentifier, &j.SourceID, &j.Status, &j.ResultMessage,
		&j.ErrorMessage, &j.AttemptNumber, &j.Persist, &j.Hidden, &j.ExternalUnitID,
		&j.ScheduledStartDate, &j.StartDate, &j.CreateDate, &j.ModifyDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// QueueJob inserts a pending job unless the partial unique index on
// incomplete jobs already holds one for the identity, in which case that
// job is returned. A job queued after a failed attempt of the same identity
// carries the next attempt number.
func (s *PostgresStore) QueueJob(ctx context.Context, p QueueParams) (*models.Job, bool, error) {
	var (
		job     *models.Job
		created bool
	)
	err := withRetry(ctx, func() error {
		now := time.Now().UTC()
		start := p.ScheduledStart
		if start.IsZero() {
			start = now
		}

		j, err := scanJob(s.pool.QueryRow(ctx,
			`INSERT INTO jobs (job_name, arg_identifier, source_id, status, scheduled_start_date,
			                   persist, hidden, attempt_number, create_date, modify_date)
			 SELECT $1::text, $2::text, $3::bigint, 'pending', $4::timestamptz, $5::boolean, $6::boolean,
			        COALESCE((SELECT CASE WHEN prev.status = 'failure' THEN prev.attempt_number + 1 ELSE 1 END
			                  FROM jobs prev
			                  WHERE prev.job_name = $1 AND prev.arg_identifier = $2
			                    AND prev.source_id IS NOT DISTINCT FROM $3
			                  ORDER BY prev.id DESC LIMIT 1), 1),
			        $7::timestamptz, $7::timestamptz
			 ON CONFLICT DO NOTHING
			 RETURNING `+jobColumns,
			p.Identity.JobName, p.Identity.ArgIdentifier, p.Identity.SourceID, start,
			p.Persist, p.Hidden, now))
		if err == nil {
			job, created = j, true
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("insert job: %w", err)
		}

		existing, err := s.FindIncompleteJob(ctx, p.Identity)
		if errors.Is(err, ErrNotFound) {
			// The conflicting job completed between the two statements.
			return errRaceLost
		}
		if err != nil {
			return err
		}
		job, created = existing, false
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("queue job: %w", err)
	}
	return job, created, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, err
}

func (s *PostgresStore) FindIncompleteJob(ctx context.Context, identity models.Identity) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE job_name = $1 AND arg_identifier = $2 AND source_id IS NOT DISTINCT FROM $3
		   AND status = ANY($4)
		 LIMIT 1`,
		identity.JobName, identity.ArgIdentifier, identity.SourceID, models.IncompleteStatuses))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find incomplete job: %w", err)
	}
	return j, err
}

// UpdateJobStatus moves a job forward in a single conditional UPDATE, so two
// concurrent callers cannot both win the same transition.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id int64, status string, opts ...JobUpdateOption) (*models.Job, error) {
	prev := PreviousStatuses(status)
	if len(prev) == 0 {
		return nil, fmt.Errorf("%w: no job may move to %s", ErrInvalidTransition, status)
	}
	resultMsg, errMsg, hidden := ApplyJobUpdateOptions(opts...)

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, modify_date = $3`
	args := []any{id, status, now}
	argIdx := 4

	if status == models.JobStatusInProgress {
		query += fmt.Sprintf(", start_date = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if resultMsg != nil {
		query += fmt.Sprintf(", result_message = $%d", argIdx)
		args = append(args, *resultMsg)
		argIdx++
	}
	if errMsg != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *errMsg)
		argIdx++
	}
	if hidden != nil {
		query += fmt.Sprintf(", hidden = $%d", argIdx)
		args = append(args, *hidden)
		argIdx++
	}

	query += fmt.Sprintf(" WHERE id = $1 AND status = ANY($%d) RETURNING %s", argIdx, jobColumns)
	args = append(args, prev)

	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}
	if err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) SetExternalUnit(ctx context.Context, id int64, handle string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET external_unit_id = $2, modify_date = NOW() WHERE id = $1`, id, handle)
	if err != nil {
		return fmt.Errorf("set external unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchJob records progress on an in-progress job.
func (s *PostgresStore) TouchJob(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET modify_date = NOW() WHERE id = $1 AND status = 'in_progress'`, id)
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpediteJob makes a pending job due at the given time.
func (s *PostgresStore) ExpediteJob(ctx context.Context, id int64, at time.Time) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET scheduled_start_date = $2, modify_date = $2
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+jobColumns, id, at.UTC()))
	if errors.Is(err, ErrNotFound) {
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return current, fmt.Errorf("%w: job %d isn't pending", ErrInvalidTransition, id)
	}
	if err != nil {
		return nil, fmt.Errorf("expedite job: %w", err)
	}
	return j, nil
}

// ListDueJobs returns pending jobs in ascending id order.
func (s *PostgresStore) ListDueJobs(ctx context.Context, filter DueFilter) ([]*models.Job, error) {
	conditions := []string{"status = 'pending'"}
	var args []any
	argIdx := 1

	if !filter.IgnoreSchedule {
		conditions = append(conditions, fmt.Sprintf("scheduled_start_date <= $%d", argIdx))
		args = append(args, filter.Now.UTC())
		argIdx++
	}
	if len(filter.ExcludeNames) > 0 {
		conditions = append(conditions, fmt.Sprintf("job_name <> ALL($%d)", argIdx))
		args = append(args, filter.ExcludeNames)
		argIdx++
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(conditions, " AND ") + ` ORDER BY id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListIncompleteArgs returns arg identifiers of a source's pending or in-progress jobs of one kind.
func (s *PostgresStore) ListIncompleteArgs(ctx context.Context, jobName string, sourceID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT arg_identifier FROM jobs
		 WHERE job_name = $1 AND source_id = $2 AND status = ANY($3)`,
		jobName, sourceID, models.IncompleteStatuses)
	if err != nil {
		return nil, fmt.Errorf("list incomplete args: %w", err)
	}
	args, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan incomplete args: %w", err)
	}
	return args, nil
}

// ListStuckJobs returns in-progress jobs whose modify_date is strictly
// between After and Before, most recently modified first.
func (s *PostgresStore) ListStuckJobs(ctx context.Context, filter StuckFilter) ([]*models.Job, error) {
	conditions := []string{"status = 'in_progress'", "modify_date > $1", "modify_date < $2"}
	args := []any{filter.After.UTC(), filter.Before.UTC()}
	argIdx := 3

	if len(filter.JobNames) > 0 {
		conditions = append(conditions, fmt.Sprintf("job_name = ANY($%d)", argIdx))
		args = append(args, filter.JobNames)
		argIdx++
	}
	if len(filter.ExcludeNames) > 0 {
		conditions = append(conditions, fmt.Sprintf("job_name <> ALL($%d)", argIdx))
		args = append(args, filter.ExcludeNames)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+strings.Join(conditions, " AND ")+
			` ORDER BY modify_date DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}
	return collectJobs(rows)
}

// DeleteOldJobs removes jobs last modified before cutoff, except persisted
// jobs and jobs still referenced by an API job unit.
func (s *PostgresStore) DeleteOldJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs j
		 WHERE j.modify_date < $1
		   AND NOT j.persist
		   AND NOT EXISTS (SELECT 1 FROM api_job_units u WHERE u.internal_job_id = j.id)`,
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	switch filter.Status {
	case "":
	case StatusCompleted:
		conditions = append(conditions, "status IN ('success', 'failure')")
	default:
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.JobName != "" {
		conditions = append(conditions, fmt.Sprintf("job_name = $%d", argIdx))
		args = append(args, filter.JobName)
		argIdx++
	}
	if filter.SourceID != nil {
		conditions = append(conditions, fmt.Sprintf("source_id = $%d", argIdx))
		args = append(args, *filter.SourceID)
		argIdx++
	} else if filter.SiteWideOnly {
		conditions = append(conditions, "source_id IS NULL")
	}
	if len(filter.ExcludeNames) > 0 {
		conditions = append(conditions, fmt.Sprintf("job_name <> ALL($%d)", argIdx))
		args = append(args, filter.ExcludeNames)
		argIdx++
	}
	if !filter.ShowHidden {
		conditions = append(conditions, "NOT hidden")
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	// Normalize pagination
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	var orderBy string
	switch filter.Sort {
	case SortByRecentlyUpdated:
		orderBy = "modify_date DESC, id DESC"
	case SortByLatestScheduled:
		orderBy = "scheduled_start_date DESC, id DESC"
	default:
		orderBy = `CASE status WHEN 'in_progress' THEN 1 WHEN 'pending' THEN 2 ELSE 3 END, modify_date DESC, id DESC`
	}

	dataQuery := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		jobColumns, where, orderBy, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// CountJobsBySource aggregates incomplete and recently completed jobs per
// source. Site-wide jobs are reported under a nil SourceID.
func (s *PostgresStore) CountJobsBySource(ctx context.Context, completedSince time.Time, excludeNames []string) ([]*SourceJobCounts, error) {
	if excludeNames == nil {
		excludeNames = []string{}
	}
	rows, err := s.pool.Query(ctx,
		`SELECT j.source_id, COALESCE(s.name, ''),
		        COUNT(*) FILTER (WHERE j.status = 'pending'),
		        COUNT(*) FILTER (WHERE j.status = 'in_progress'),
		        COUNT(*) FILTER (WHERE j.status IN ('success', 'failure') AND j.modify_date > $1)
		 FROM jobs j
		 LEFT JOIN sources s ON s.id = j.source_id
		 WHERE j.job_name <> ALL($2)
		 GROUP BY j.source_id, s.name
		 HAVING COUNT(*) FILTER (WHERE j.status IN ('pending', 'in_progress')
		                          OR j.modify_date > $1) > 0
		 ORDER BY MAX(j.modify_date) DESC`,
		completedSince.UTC(), excludeNames)
	if err != nil {
		return nil, fmt.Errorf("count jobs by source: %w", err)
	}
	defer rows.Close()

	var counts []*SourceJobCounts
	for rows.Next() {
		var c SourceJobCounts
		if err := rows.Scan(&c.SourceID, &c.SourceName, &c.Pending, &c.InProgress, &c.RecentlyCompleted); err != nil {
			return nil, fmt.Errorf("scan job counts: %w", err)
		}
		counts = append(counts, &c)
	}
	return counts, rows.Err()
}

// --- Error Logs ---

const errorLogColumns = `id, kind, message, fingerprint, context, job_id, count, first_seen_at, last_seen_at`

func scanErrorLog(row rowScanner) (*models.ErrorLog, error) {
	var e models.ErrorLog
	if err := row.Scan(&e.ID, &e.Kind, &e.Message, &e.Fingerprint, &e.Context, &e.JobID,
		&e.Count, &e.FirstSeenAt, &e.LastSeenAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertErrorLog stores an error report, folding repeats with the same
// fingerprint into one row with an occurrence count.
func (s *PostgresStore) UpsertErrorLog(ctx context.Context, entry *models.ErrorLog) (*models.ErrorLog, error) {
	seen := entry.LastSeenAt
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	e, err := scanErrorLog(s.pool.QueryRow(ctx,
		`INSERT INTO error_logs (kind, message, fingerprint, context, job_id, count, first_seen_at, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, 1, $6, $6)
		 ON CONFLICT (fingerprint) DO UPDATE SET
		   count = error_logs.count + 1,
		   message = EXCLUDED.message,
		   context = EXCLUDED.context,
		   job_id = EXCLUDED.job_id,
		   last_seen_at = GREATEST(error_logs.last_seen_at, EXCLUDED.last_seen_at)
		 RETURNING `+errorLogColumns,
		entry.Kind, entry.Message, entry.Fingerprint, entry.Context, entry.JobID, seen))
	if err != nil {
		return nil, fmt.Errorf("upsert error log: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListErrorLogs(ctx context.Context, limit int) ([]*models.ErrorLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+errorLogColumns+` FROM error_logs ORDER BY last_seen_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list error logs: %w", err)
	}
	defer rows.Close()

	logs := []*models.ErrorLog{}
	for rows.Next() {
		e, err := scanErrorLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error log: %w", err)
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
