package models

import "time"

// WebhookEvent is every completion callback the intake accepted, persisted
// before any correlation work. Orphans (no in-flight job for the analysis
// id) stay here for observability and late correlation.
type WebhookEvent struct {
	ID           int64     `json:"id"            db:"id"`
	AnalysisID   string    `json:"analysis_id"   db:"analysis_id"`
	ComponentKey string    `json:"component_key" db:"component_key"`
	Status       string    `json:"status"        db:"status"`
	Payload      string    `json:"-"             db:"payload"`
	Orphan       bool      `json:"orphan"        db:"orphan"`
	ReceivedAt   time.Time `json:"received_at"   db:"received_at"`
}
