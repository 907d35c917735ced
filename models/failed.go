package models

import "time"

// Failed commit dispositions.
const (
	FailedPending  = "pending"
	FailedQueued   = "queued"
	FailedResolved = "resolved"
)

// FailedCommit is the durable dead-letter record written whenever a job
// reaches failed_permanent. It is the operator triage surface: the last
// error, a pointer to the scanner log, and an optional property override
// supplied at retry time.
type FailedCommit struct {
	ID           int64     `json:"id"            db:"id"`
	ScanJobID    int64     `json:"scan_job_id"   db:"scan_job_id"`
	RepoSlug     string    `json:"repo_slug"     db:"repo_slug"`
	CommitSHA    string    `json:"commit_sha"    db:"commit_sha"`
	Reason       string    `json:"reason"        db:"reason"`
	LogPath      string    `json:"log_path"      db:"log_path"`
	Disposition  string    `json:"disposition"   db:"disposition"`
	ScannerProps string    `json:"scanner_props" db:"scanner_props"`
	CreatedAt    time.Time `json:"created_at"    db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"    db:"updated_at"`
}
