package models

import (
	"encoding/json"
	"time"
)

// ScanResult holds the metrics harvested for one successful scan.
// One row exists per succeeded job (unique index on scan_job_id); the
// metrics fetcher upserts so duplicate webhooks stay idempotent.
type ScanResult struct {
	ID           int64     `json:"id"            db:"id"`
	ScanJobID    int64     `json:"scan_job_id"   db:"scan_job_id"`
	ComponentKey string    `json:"component_key" db:"component_key"`
	AnalysisID   string    `json:"analysis_id"   db:"analysis_id"`
	MeasuresJSON string    `json:"-"             db:"measures"`
	FetchedAt    time.Time `json:"fetched_at"    db:"fetched_at"`
}

// Measures decodes the stored metric map (metric name → value as reported
// by the server; numeric values keep their textual form).
func (r *ScanResult) Measures() (map[string]string, error) {
	out := map[string]string{}
	if r.MeasuresJSON == "" {
		return out, nil
	}
	err := json.Unmarshal([]byte(r.MeasuresJSON), &out)
	return out, err
}

// SetMeasures encodes the metric map for storage.
func (r *ScanResult) SetMeasures(m map[string]string) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	r.MeasuresJSON = string(b)
	return nil
}
