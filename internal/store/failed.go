package store

import (
	"context"
	"fmt"
	"time"

	"github.com/scanfleet/scanfleet/models"
)

// UpsertFailedCommit writes (or refreshes) the dead-letter record for a
// permanently failed job. Idempotent by scan_job_id.
func (s *Store) UpsertFailedCommit(ctx context.Context, fc *models.FailedCommit) error {
	now := time.Now().UTC()
	if fc.CreatedAt.IsZero() {
		fc.CreatedAt = now
	}
	fc.UpdatedAt = now
	if fc.Disposition == "" {
		fc.Disposition = models.FailedPending
	}
	if err := s.db.Upsert(ctx, "failed_commits", fc, []string{"scan_job_id"}); err != nil {
		return fmt.Errorf("upserting failed commit for job %d: %w", fc.ScanJobID, err)
	}
	return nil
}

// GetFailedCommitByJob loads the dead-letter record for one job.
func (s *Store) GetFailedCommitByJob(ctx context.Context, jobID int64) (*models.FailedCommit, error) {
	var fc models.FailedCommit
	err := s.db.Get(ctx, &fc, `SELECT `+failedCols+` FROM failed_commits WHERE scan_job_id = ?`, jobID)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &fc, nil
}

// ListFailedCommits is the operator triage read model, optionally filtered
// by disposition.
func (s *Store) ListFailedCommits(ctx context.Context, disposition string, limit, offset int) ([]models.FailedCommit, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + failedCols + ` FROM failed_commits`
	var args []interface{}
	if disposition != "" {
		query += ` WHERE disposition = ?`
		args = append(args, disposition)
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var out []models.FailedCommit
	err := s.db.Select(ctx, &out, query, args...)
	return out, err
}

// SetFailedCommitDisposition updates the triage disposition for one job's
// record. Missing records are a no-op (the job may never have dead-lettered).
func (s *Store) SetFailedCommitDisposition(ctx context.Context, jobID int64, disposition string) error {
	_, err := s.db.ExecRows(ctx,
		`UPDATE failed_commits SET disposition = ?, updated_at = ? WHERE scan_job_id = ?`,
		disposition, time.Now().UTC(), jobID)
	return err
}

// PermanentFailuresWithoutRecord returns jobs in failed_permanent that lack
// a dead-letter row, for reconciler backfill.
func (s *Store) PermanentFailuresWithoutRecord(ctx context.Context) ([]models.ScanJob, error) {
	var jobs []models.ScanJob
	err := s.db.Select(ctx, &jobs,
		`SELECT `+jobCols+` FROM scan_jobs j
		  WHERE j.state = ?
		    AND NOT EXISTS (SELECT 1 FROM failed_commits f WHERE f.scan_job_id = j.id)`,
		models.JobFailedPermanent)
	return jobs, err
}
