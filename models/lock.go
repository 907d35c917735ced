package models

import "time"

// InstanceLock is one occupied concurrency slot on one analysis instance.
// A unique index on (instance_name, slot_idx) makes slot acquisition a
// single conditional write; a lock whose expires_at is in the past is
// reclaimable.
type InstanceLock struct {
	ID           int64     `json:"id"            db:"id"`
	InstanceName string    `json:"instance_name" db:"instance_name"`
	SlotIdx      int       `json:"slot_idx"      db:"slot_idx"`
	Token        string    `json:"token"         db:"token"`
	ScanJobID    int64     `json:"scan_job_id"   db:"scan_job_id"`
	AcquiredAt   time.Time `json:"acquired_at"   db:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"    db:"expires_at"`
}
