package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scanfleet/scanfleet/internal/database"
	"github.com/scanfleet/scanfleet/models"
)

// CreateJob inserts a new pending job. The unique (project_id, commit_sha)
// index rejects duplicates; those surface as ErrConflict so duplicate rows
// within one project's CSV are harmless.
func (s *Store) CreateJob(ctx context.Context, job *models.ScanJob) (int64, error) {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.State == "" {
		job.State = models.JobPending
	}
	if job.Priority == "" {
		job.Priority = models.PriorityNormal
	}

	id, err := s.db.Insert(ctx, "scan_jobs", job)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("creating scan job: %w", err)
	}
	job.ID = id
	return id, nil
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*models.ScanJob, error) {
	var job models.ScanJob
	err := s.db.Get(ctx, &job, `SELECT `+jobCols+` FROM scan_jobs WHERE id = ?`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading scan job %d: %w", id, err)
	}
	return &job, nil
}

// GetJobByCommit loads the job for one (project, commit) pair.
func (s *Store) GetJobByCommit(ctx context.Context, projectID int64, commitSHA string) (*models.ScanJob, error) {
	var job models.ScanJob
	err := s.db.Get(ctx, &job,
		`SELECT `+jobCols+` FROM scan_jobs WHERE project_id = ? AND commit_sha = ?`,
		projectID, commitSHA)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// GetRunningJobByAnalysisID correlates a webhook's analysis id back to the
// in-flight job it belongs to.
func (s *Store) GetRunningJobByAnalysisID(ctx context.Context, analysisID string) (*models.ScanJob, error) {
	var job models.ScanJob
	err := s.db.Get(ctx, &job,
		`SELECT `+jobCols+` FROM scan_jobs WHERE lease_analysis_id = ? AND state = ?`,
		analysisID, models.JobRunning)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// MarkQueued moves a job from one of fromStates into queued. Used by the
// ingestor and dispatcher (pending → queued) and by the reconciler to
// refresh a stale queued job's updated_at (queued → queued).
func (s *Store) MarkQueued(ctx context.Context, jobID int64, fromStates ...string) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fromStates)), ",")
	args := []interface{}{models.JobQueued, time.Now().UTC(), jobID}
	for _, st := range fromStates {
		args = append(args, st)
	}
	n, err := s.db.ExecRows(ctx,
		`UPDATE scan_jobs SET state = ?, updated_at = ? WHERE id = ? AND state IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("queueing job %d: %w", jobID, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// MarkRunning performs the queued → running transition and writes the
// lease onto the job in the same statement. The attempts predicate keeps
// duplicate deliveries from double-starting the job.
func (s *Store) MarkRunning(ctx context.Context, job *models.ScanJob, lease *models.Lease) error {
	n, err := s.db.ExecRows(ctx,
		`UPDATE scan_jobs
		    SET state = ?, lease_instance = ?, lease_token = ?, lease_acquired_at = ?, lease_expires_at = ?, updated_at = ?
		  WHERE id = ? AND state = ? AND attempts = ?`,
		models.JobRunning, lease.Instance, lease.Token, lease.AcquiredAt, lease.ExpiresAt, time.Now().UTC(),
		job.ID, models.JobQueued, job.Attempts)
	if err != nil {
		return fmt.Errorf("starting job %d: %w", job.ID, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// BindAnalysisID records the submission identifier returned by the scanner
// so the completion webhook can correlate. Also records the scanner log path.
func (s *Store) BindAnalysisID(ctx context.Context, jobID int64, token, analysisID, logPath string) error {
	n, err := s.db.ExecRows(ctx,
		`UPDATE scan_jobs SET lease_analysis_id = ?, log_path = ?, updated_at = ?
		  WHERE id = ? AND state = ? AND lease_token = ?`,
		analysisID, logPath, time.Now().UTC(), jobID, models.JobRunning, token)
	if err != nil {
		return fmt.Errorf("binding analysis id on job %d: %w", jobID, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// RecordJobLog stores the scanner log path on the job regardless of
// outcome, so a failing scan still leaves operators a pointer.
func (s *Store) RecordJobLog(ctx context.Context, jobID int64, logPath string) error {
	if logPath == "" {
		return nil
	}
	return s.db.Exec(ctx, `UPDATE scan_jobs SET log_path = ? WHERE id = ?`, logPath, jobID)
}

// ExtendJobLease mirrors a lock-manager heartbeat onto the job row.
func (s *Store) ExtendJobLease(ctx context.Context, jobID int64, token string, expiresAt time.Time) error {
	_, err := s.db.ExecRows(ctx,
		`UPDATE scan_jobs SET lease_expires_at = ?, updated_at = ?
		  WHERE id = ? AND state = ? AND lease_token = ?`,
		expiresAt, time.Now().UTC(), jobID, models.JobRunning, token)
	return err
}

// MarkSucceeded performs running → succeeded and clears the lease.
func (s *Store) MarkSucceeded(ctx context.Context, jobID int64) error {
	n, err := s.db.ExecRows(ctx,
		`UPDATE scan_jobs
		    SET state = ?, lease_instance = '', lease_token = '', lease_expires_at = NULL, last_error = '', updated_at = ?
		  WHERE id = ? AND state = ?`,
		models.JobSucceeded, time.Now().UTC(), jobID, models.JobRunning)
	if err != nil {
		return fmt.Errorf("completing job %d: %w", jobID, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// MarkFailedTemp performs running → failed_temp, increments attempts, and
// records the failure reason. The attempts predicate makes the increment
// exactly-once under duplicate delivery.
func (s *Store) MarkFailedTemp(ctx context.Context, job *models.ScanJob, reason string) error {
	n, err := s.db.ExecRows(ctx,
		`UPDATE scan_jobs
		    SET state = ?, attempts = attempts + 1, last_error = ?,
		        lease_instance = '', lease_token = '', lease_analysis_id = '', lease_expires_at = NULL, updated_at = ?
		  WHERE id = ? AND state = ? AND attempts = ?`,
		models.JobFailedTemp, reason, time.Now().UTC(),
		job.ID, models.JobRunning, job.Attempts)
	if err != nil {
		return fmt.Errorf("failing job %d: %w", job.ID, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// MarkFailedPermanent moves a job into its terminal failure state from any
// of the given states and writes the dead-letter record alongside it. The
// failed-commit upsert is idempotent by scan_job_id, and the reconciler
// backfills any record lost between the two writes.
func (s *Store) MarkFailedPermanent(ctx context.Context, job *models.ScanJob, reason string, fromStates ...string) error {
	if len(fromStates) == 0 {
		fromStates = []string{models.JobRunning, models.JobFailedTemp}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fromStates)), ",")
	args := []interface{}{models.JobFailedPermanent, reason, time.Now().UTC(), job.ID}
	for _, st := range fromStates {
		args = append(args, st)
	}
	n, err := s.db.ExecRows(ctx,
		`UPDATE scan_jobs
		    SET state = ?, last_error = ?,
		        lease_instance = '', lease_token = '', lease_analysis_id = '', lease_expires_at = NULL, updated_at = ?
		  WHERE id = ? AND state IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("permanently failing job %d: %w", job.ID, err)
	}
	if n == 0 {
		return ErrConflict
	}

	return s.UpsertFailedCommit(ctx, &models.FailedCommit{
		ScanJobID:   job.ID,
		RepoSlug:    job.RepoSlug,
		CommitSHA:   job.CommitSHA,
		Reason:      reason,
		LogPath:     job.LogPath,
		Disposition: models.FailedPending,
	})
}

// RequeueForRetry performs failed_temp → queued on the retry priority
// class, provided the retry budget still allows another attempt.
func (s *Store) RequeueForRetry(ctx context.Context, job *models.ScanJob) error {
	n, err := s.db.ExecRows(ctx,
		`UPDATE scan_jobs SET state = ?, priority = ?, updated_at = ?
		  WHERE id = ? AND state = ? AND attempts = ? AND attempts <= max_retries`,
		models.JobQueued, models.PriorityRetry, time.Now().UTC(),
		job.ID, models.JobFailedTemp, job.Attempts)
	if err != nil {
		return fmt.Errorf("requeueing job %d: %w", job.ID, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// OperatorRequeue is the explicit retry of a permanently failed job:
// attempts reset to zero and an optional new property override is applied.
func (s *Store) OperatorRequeue(ctx context.Context, jobID int64, scannerProps string) error {
	var (
		n   int64
		err error
	)
	if scannerProps != "" {
		n, err = s.db.ExecRows(ctx,
			`UPDATE scan_jobs SET state = ?, attempts = 0, scanner_props = ?, last_error = '', updated_at = ?
			  WHERE id = ? AND state = ?`,
			models.JobQueued, scannerProps, time.Now().UTC(), jobID, models.JobFailedPermanent)
	} else {
		n, err = s.db.ExecRows(ctx,
			`UPDATE scan_jobs SET state = ?, attempts = 0, last_error = '', updated_at = ?
			  WHERE id = ? AND state = ?`,
			models.JobQueued, time.Now().UTC(), jobID, models.JobFailedPermanent)
	}
	if err != nil {
		return fmt.Errorf("operator requeue of job %d: %w", jobID, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return s.SetFailedCommitDisposition(ctx, jobID, models.FailedQueued)
}

// JobsByState returns jobs in the given state, oldest first.
func (s *Store) JobsByState(ctx context.Context, state string, limit int) ([]models.ScanJob, error) {
	var jobs []models.ScanJob
	err := s.db.Select(ctx, &jobs,
		`SELECT `+jobCols+` FROM scan_jobs WHERE state = ? ORDER BY updated_at ASC LIMIT ?`,
		state, limit)
	return jobs, err
}

// RunningJobsPastLease returns running jobs whose lease expired before now
// or was never written, the reconciler's rescue set.
func (s *Store) RunningJobsPastLease(ctx context.Context, now time.Time) ([]models.ScanJob, error) {
	var jobs []models.ScanJob
	err := s.db.Select(ctx, &jobs,
		`SELECT `+jobCols+` FROM scan_jobs
		  WHERE state = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)`,
		models.JobRunning, now)
	return jobs, err
}

// StaleQueuedJobs returns queued jobs untouched since the threshold,
// guarding against broker message loss.
func (s *Store) StaleQueuedJobs(ctx context.Context, olderThan time.Time) ([]models.ScanJob, error) {
	var jobs []models.ScanJob
	err := s.db.Select(ctx, &jobs,
		`SELECT `+jobCols+` FROM scan_jobs WHERE state = ? AND updated_at <= ?`,
		models.JobQueued, olderThan)
	return jobs, err
}

// ListJobs is the paginated job read model, optionally filtered by project
// and state.
func (s *Store) ListJobs(ctx context.Context, projectID int64, state string, limit, offset int) ([]models.ScanJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobCols + ` FROM scan_jobs WHERE 1=1`
	var args []interface{}
	if projectID > 0 {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var jobs []models.ScanJob
	err := s.db.Select(ctx, &jobs, query, args...)
	return jobs, err
}

// CountJobsByState returns state → count for one project.
func (s *Store) CountJobsByState(ctx context.Context, projectID int64) (map[string]int, error) {
	var rows []struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}
	err := s.db.Select(ctx, &rows,
		`SELECT state, COUNT(*) AS n FROM scan_jobs WHERE project_id = ? GROUP BY state`,
		projectID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.State] = r.N
	}
	return out, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, database.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate entry")
}
