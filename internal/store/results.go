package store

import (
	"context"
	"fmt"
	"time"

	"github.com/scanfleet/scanfleet/models"
)

// UpsertResult writes the harvested metrics for a job. Keyed by
// scan_job_id so a replayed webhook or a racing fetcher overwrites rather
// than duplicates.
func (s *Store) UpsertResult(ctx context.Context, r *models.ScanResult) error {
	r.FetchedAt = time.Now().UTC()
	if err := s.db.Upsert(ctx, "scan_results", r, []string{"scan_job_id"}); err != nil {
		return fmt.Errorf("upserting scan result for job %d: %w", r.ScanJobID, err)
	}
	return nil
}

// GetResultByJob loads the result for one job.
func (s *Store) GetResultByJob(ctx context.Context, jobID int64) (*models.ScanResult, error) {
	var r models.ScanResult
	err := s.db.Get(ctx, &r, `SELECT `+resultCols+` FROM scan_results WHERE scan_job_id = ?`, jobID)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

// ResultRow pairs a result with its job for export.
type ResultRow struct {
	ScanJobID    int64  `db:"scan_job_id"`
	RepoSlug     string `db:"repo_slug"`
	Branch       string `db:"branch"`
	CommitSHA    string `db:"commit_sha"`
	ComponentKey string `db:"component_key"`
	AnalysisID   string `db:"analysis_id"`
	MeasuresJSON string `db:"measures"`
}

// ResultsForProject streams a project's accumulated results in batches via
// fn; returning false from fn stops the iteration.
func (s *Store) ResultsForProject(ctx context.Context, projectID int64, batch int, fn func([]ResultRow) bool) error {
	if batch <= 0 {
		batch = 200
	}
	var lastID int64
	for {
		var rows []ResultRow
		err := s.db.Select(ctx, &rows,
			`SELECT r.scan_job_id, j.repo_slug, j.branch, j.commit_sha, r.component_key, r.analysis_id, r.measures
			   FROM scan_results r
			   JOIN scan_jobs j ON j.id = r.scan_job_id
			  WHERE j.project_id = ? AND r.scan_job_id > ?
			  ORDER BY r.scan_job_id
			  LIMIT ?`,
			projectID, lastID, batch)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if !fn(rows) {
			return nil
		}
		lastID = rows[len(rows)-1].ScanJobID
	}
}
