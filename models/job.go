package models

import "time"

// Job states. Only the transitions in the dispatcher/reconciler/webhook
// paths are valid; every transition is a state-conditional write.
const (
	JobPending         = "pending"
	JobQueued          = "queued"
	JobRunning         = "running"
	JobSucceeded       = "succeeded"
	JobFailedTemp      = "failed_temp"
	JobFailedPermanent = "failed_permanent"
)

// Priority classes. Retries are re-enqueued on the retry class, which the
// queue drains after high (operator retries) and before normal (fresh work).
const (
	PriorityHigh   = "high"
	PriorityRetry  = "retry"
	PriorityNormal = "normal"
)

// ScanJob is the durable unit of work for one (project, commit) pair.
// Exactly one ScanJob exists per pair; the store enforces it with a
// unique index on (project_id, commit_sha).
type ScanJob struct {
	ID         int64  `json:"id"          db:"id"`
	ProjectID  int64  `json:"project_id"  db:"project_id"`
	RepoSlug   string `json:"repo_slug"   db:"repo_slug"` // owner/name
	Branch     string `json:"branch"      db:"branch"`
	CommitSHA  string `json:"commit_sha"  db:"commit_sha"`
	State      string `json:"state"       db:"state"`
	Priority   string `json:"priority"    db:"priority"`
	Attempts   int    `json:"attempts"    db:"attempts"`
	MaxRetries int    `json:"max_retries" db:"max_retries"`

	// ScannerProps is an optional per-job analysis property override set by
	// operator retry. Takes precedence over the project-level override.
	ScannerProps string `json:"scanner_props" db:"scanner_props"`

	// Lease fields are populated while the job is running on an instance.
	LeaseInstance   string     `json:"lease_instance"    db:"lease_instance"`
	LeaseToken      string     `json:"lease_token"       db:"lease_token"`
	LeaseAnalysisID string     `json:"lease_analysis_id" db:"lease_analysis_id"`
	LeaseAcquiredAt *time.Time `json:"lease_acquired_at" db:"lease_acquired_at"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at"  db:"lease_expires_at"`

	LastError string `json:"last_error" db:"last_error"`
	LogPath   string `json:"log_path"   db:"log_path"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether the job is in a terminal state for normal flow.
func (j *ScanJob) Terminal() bool {
	return j.State == JobSucceeded || j.State == JobFailedPermanent
}

// ComponentKey returns the key that addresses this job's analysis on the
// server: {projectKey}_{commit}.
func (j *ScanJob) ComponentKey(projectKey string) string {
	return projectKey + "_" + j.CommitSHA
}

// Lease is a bounded, renewable right to occupy one concurrency slot on
// one analysis instance.
type Lease struct {
	Instance   string
	Token      string
	SlotIndex  int
	JobID      int64
	AcquiredAt time.Time
	ExpiresAt  time.Time
}
