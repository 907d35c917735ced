// Package store is the durable state layer for the fleet. Scan job state is
// the single source of truth: the queue only carries work pointers, so every
// lifecycle event lands here as a state-conditional write. A write whose
// predicate no longer holds affects zero rows and surfaces as ErrConflict,
// which is how duplicate deliveries and racing workers are kept to at most
// one transition per event.
package store

import (
	"errors"

	"github.com/scanfleet/scanfleet/internal/database"
)

// ErrConflict is returned when a state-conditional write matched no rows:
// another worker already performed the transition. Callers re-read and
// decide whether anything is left to do.
var ErrConflict = errors.New("store: conditional write conflict")

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("store: not found")

// Column lists for Get queries. scanRow binds by struct field order, so
// these must track the models' field order exactly.
const (
	projectCols = `id, project_key, name, csv_path, scanner_props, build_count, commit_count, branch_count, status, created_at, updated_at`

	jobCols = `id, project_id, repo_slug, branch, commit_sha, state, priority, attempts, max_retries, scanner_props,
	 lease_instance, lease_token, lease_analysis_id, lease_acquired_at, lease_expires_at, last_error, log_path, created_at, updated_at`

	resultCols = `id, scan_job_id, component_key, analysis_id, measures, fetched_at`

	failedCols = `id, scan_job_id, repo_slug, commit_sha, reason, log_path, disposition, scanner_props, created_at, updated_at`

	lockCols = `id, instance_name, slot_idx, token, scan_job_id, acquired_at, expires_at`
)

// Store provides typed access to the fleet's persistent state.
type Store struct {
	db database.DB
}

// New wraps a database backend.
func New(db database.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying backend for migration and health checks.
func (s *Store) DB() database.DB { return s.db }
