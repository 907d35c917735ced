package store

import (
	"context"
	"fmt"
	"time"

	"github.com/scanfleet/scanfleet/models"
)

// ActiveLockCount counts un-expired leases held on one instance.
func (s *Store) ActiveLockCount(ctx context.Context, instance string, now time.Time) (int, error) {
	var n int
	err := s.db.Get(ctx, &n,
		`SELECT COUNT(*) FROM instance_locks WHERE instance_name = ? AND expires_at > ?`,
		instance, now)
	return n, err
}

// OccupiedSlots returns the slot indices currently held (un-expired) on
// one instance.
func (s *Store) OccupiedSlots(ctx context.Context, instance string, now time.Time) (map[int]bool, error) {
	var rows []struct {
		Slot int `db:"slot_idx"`
	}
	err := s.db.Select(ctx, &rows,
		`SELECT slot_idx FROM instance_locks WHERE instance_name = ? AND expires_at > ?`,
		instance, now)
	if err != nil {
		return nil, err
	}
	out := make(map[int]bool, len(rows))
	for _, r := range rows {
		out[r.Slot] = true
	}
	return out, nil
}

// ReapExpiredSlot deletes an expired lease occupying a slot so the row's
// unique (instance_name, slot_idx) index can accept a fresh claim.
func (s *Store) ReapExpiredSlot(ctx context.Context, instance string, slot int, now time.Time) error {
	_, err := s.db.ExecRows(ctx,
		`DELETE FROM instance_locks WHERE instance_name = ? AND slot_idx = ? AND expires_at <= ?`,
		instance, slot, now)
	return err
}

// ClaimSlot attempts the single conditional write that acquires a slot:
// an insert racing another claimer loses on the unique index and reports
// ErrConflict.
func (s *Store) ClaimSlot(ctx context.Context, lock *models.InstanceLock) error {
	id, err := s.db.Insert(ctx, "instance_locks", lock)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("claiming slot %d on %s: %w", lock.SlotIdx, lock.InstanceName, err)
	}
	lock.ID = id
	return nil
}

// TouchLease extends a lease's expiry, only if the caller still holds it
// (token match). Returns ErrConflict when the lease was already reaped.
func (s *Store) TouchLease(ctx context.Context, token string, expiresAt time.Time) error {
	n, err := s.db.ExecRows(ctx,
		`UPDATE instance_locks SET expires_at = ? WHERE token = ?`,
		expiresAt, token)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// ReleaseLease removes a lease by token. A zero row count means the
// reaper got there first; that is fine, release is idempotent.
func (s *Store) ReleaseLease(ctx context.Context, token string) error {
	_, err := s.db.ExecRows(ctx, `DELETE FROM instance_locks WHERE token = ?`, token)
	return err
}

// ExpiredLeases returns every lease past its expiry across all instances.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time) ([]models.InstanceLock, error) {
	var out []models.InstanceLock
	err := s.db.Select(ctx, &out,
		`SELECT `+lockCols+` FROM instance_locks WHERE expires_at <= ?`, now)
	return out, err
}

// DeleteLease removes a lease row by id (used by the reaper after it has
// captured the orphaned job).
func (s *Store) DeleteLease(ctx context.Context, id int64) error {
	return s.db.Exec(ctx, `DELETE FROM instance_locks WHERE id = ?`, id)
}
