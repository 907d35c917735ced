package store

import (
	"context"
	"fmt"
	"time"

	"github.com/scanfleet/scanfleet/models"
)

// CreateProject inserts a new project record in the created state.
func (s *Store) CreateProject(ctx context.Context, p *models.Project) (int64, error) {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = models.ProjectCreated
	}
	id, err := s.db.Insert(ctx, "projects", p)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("creating project: %w", err)
	}
	p.ID = id
	return id, nil
}

// GetProject loads one project by id.
func (s *Store) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	var p models.Project
	err := s.db.Get(ctx, &p, `SELECT `+projectCols+` FROM projects WHERE id = ?`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading project %d: %w", id, err)
	}
	return &p, nil
}

// GetProjectByKey loads one project by its analysis-server key.
func (s *Store) GetProjectByKey(ctx context.Context, key string) (*models.Project, error) {
	var p models.Project
	err := s.db.Get(ctx, &p, `SELECT `+projectCols+` FROM projects WHERE project_key = ?`, key)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjects returns projects newest first.
func (s *Store) ListProjects(ctx context.Context, limit, offset int) ([]models.Project, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.Project
	err := s.db.Select(ctx, &out,
		`SELECT `+projectCols+` FROM projects ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	return out, err
}

// SetProjectStats records the statistics derived at ingest time and moves
// the project into collecting.
func (s *Store) SetProjectStats(ctx context.Context, id int64, builds, commits, branches int) error {
	return s.db.Exec(ctx,
		`UPDATE projects SET build_count = ?, commit_count = ?, branch_count = ?, status = ?, updated_at = ?
		  WHERE id = ?`,
		builds, commits, branches, models.ProjectCollecting, time.Now().UTC(), id)
}

// RecomputeProjectStatus rolls the per-job states up into the project
// aggregate: done when every job succeeded, partial when every job is
// terminal but some failed, collecting otherwise.
func (s *Store) RecomputeProjectStatus(ctx context.Context, id int64) (string, error) {
	counts, err := s.CountJobsByState(ctx, id)
	if err != nil {
		return "", err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	terminal := counts[models.JobSucceeded] + counts[models.JobFailedPermanent]

	status := models.ProjectCollecting
	switch {
	case total == 0:
		status = models.ProjectCreated
	case terminal == total && counts[models.JobFailedPermanent] == 0:
		status = models.ProjectDone
	case terminal == total:
		status = models.ProjectPartial
	}

	err = s.db.Exec(ctx,
		`UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	return status, err
}
