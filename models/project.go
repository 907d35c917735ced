package models

import "time"

// Project aggregate statuses.
const (
	ProjectCreated    = "created"
	ProjectCollecting = "collecting"
	ProjectDone       = "done"
	ProjectPartial    = "partial"
)

// Project represents one uploaded commit CSV and the derived batch of
// scan jobs. Mutated only by the ingestor and by aggregate recomputation.
type Project struct {
	ID      int64  `json:"id"       db:"id"`
	Key     string `json:"key"      db:"project_key"` // analysis server project key
	Name    string `json:"name"     db:"name"`
	CSVPath string `json:"csv_path" db:"csv_path"`

	// ScannerProps is an optional project-level analysis property override
	// applied to every job in the project unless the job carries its own.
	ScannerProps string `json:"scanner_props" db:"scanner_props"`

	BuildCount  int    `json:"build_count"  db:"build_count"`
	CommitCount int    `json:"commit_count" db:"commit_count"`
	BranchCount int    `json:"branch_count" db:"branch_count"`
	Status      string `json:"status"       db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
