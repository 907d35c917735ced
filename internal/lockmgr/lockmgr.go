// Package lockmgr enforces the per-instance concurrency cap with expiring
// leases persisted in the store. Acquisition is a conditional insert on the
// unique (instance_name, slot_idx) index, so two workers racing for the
// last slot resolve in the database, not in process memory — which is what
// keeps the cap correct across worker death.
package lockmgr

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scanfleet/scanfleet/internal/config"
	"github.com/scanfleet/scanfleet/internal/store"
	"github.com/scanfleet/scanfleet/models"
)

// ErrNoSlot is returned by Acquire when every eligible instance is at its
// cap. Callers re-enqueue with a visibility delay; they must not spin.
var ErrNoSlot = errors.New("lockmgr: no slot available")

// Orphan identifies a job whose lease the reaper reclaimed.
type Orphan struct {
	JobID    int64
	Instance string
}

// Manager hands out leases on analysis-instance slots.
type Manager struct {
	st        *store.Store
	instances []config.InstanceConfig
	ttl       time.Duration

	mu     sync.Mutex
	cursor int // round-robin position over the sorted instance list
}

// New creates a Manager over the configured fleet. Instances are kept in
// lexicographic order so round-robin tie-breaks are deterministic.
func New(st *store.Store, instances []config.InstanceConfig, ttl time.Duration) *Manager {
	sorted := append([]config.InstanceConfig(nil), instances...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return &Manager{st: st, instances: sorted, ttl: ttl}
}

// TTL returns the configured lease duration.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire claims one slot for the job, rotating over instances so repeated
// calls spread load evenly. Returns ErrNoSlot when the whole fleet is at
// cap.
func (m *Manager) Acquire(ctx context.Context, job *models.ScanJob) (*models.Lease, error) {
	if len(m.instances) == 0 {
		return nil, ErrNoSlot
	}
	m.mu.Lock()
	start := m.cursor
	m.cursor = (m.cursor + 1) % len(m.instances)
	m.mu.Unlock()

	now := time.Now().UTC()
	for i := 0; i < len(m.instances); i++ {
		inst := m.instances[(start+i)%len(m.instances)]
		lease, err := m.tryInstance(ctx, inst, job, now)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}
	}
	return nil, ErrNoSlot
}

// tryInstance attempts to claim any free slot on one instance. A nil lease
// with nil error means the instance is full or every claim lost its race.
func (m *Manager) tryInstance(ctx context.Context, inst config.InstanceConfig, job *models.ScanJob, now time.Time) (*models.Lease, error) {
	occupied, err := m.st.OccupiedSlots(ctx, inst.Name, now)
	if err != nil {
		return nil, err
	}
	if len(occupied) >= inst.ConcurrencyCap {
		return nil, nil
	}

	for slot := 0; slot < inst.ConcurrencyCap; slot++ {
		if occupied[slot] {
			continue
		}
		// An expired lease may still occupy the slot row; clear it so the
		// unique index accepts the claim.
		if err := m.st.ReapExpiredSlot(ctx, inst.Name, slot, now); err != nil {
			return nil, err
		}

		lock := &models.InstanceLock{
			InstanceName: inst.Name,
			SlotIdx:      slot,
			Token:        uuid.NewString(),
			ScanJobID:    job.ID,
			AcquiredAt:   now,
			ExpiresAt:    now.Add(m.ttl),
		}
		err := m.st.ClaimSlot(ctx, lock)
		if errors.Is(err, store.ErrConflict) {
			continue // lost the race for this slot, try the next
		}
		if err != nil {
			return nil, err
		}

		slog.Debug("Acquired instance slot",
			"instance", inst.Name, "slot", slot, "job_id", job.ID, "expires_at", lock.ExpiresAt)
		return &models.Lease{
			Instance:   inst.Name,
			Token:      lock.Token,
			SlotIndex:  slot,
			JobID:      job.ID,
			AcquiredAt: lock.AcquiredAt,
			ExpiresAt:  lock.ExpiresAt,
		}, nil
	}
	return nil, nil
}

// Heartbeat extends a held lease by one TTL. Returns store.ErrConflict if
// the lease was already reaped, in which case the worker must abandon the
// scan.
func (m *Manager) Heartbeat(ctx context.Context, lease *models.Lease) error {
	expiresAt := time.Now().UTC().Add(m.ttl)
	if err := m.st.TouchLease(ctx, lease.Token, expiresAt); err != nil {
		return err
	}
	lease.ExpiresAt = expiresAt
	return m.st.ExtendJobLease(ctx, lease.JobID, lease.Token, expiresAt)
}

// Release frees the slot. Idempotent: a lease already reaped by Expire is
// a no-op.
func (m *Manager) Release(ctx context.Context, lease *models.Lease) error {
	return m.st.ReleaseLease(ctx, lease.Token)
}

// Expire reaps every lease past its expiry and returns the orphaned jobs
// for the reconciler to rescue. A lost release (worker killed mid-scan) is
// corrected here at most one TTL later.
func (m *Manager) Expire(ctx context.Context, now time.Time) ([]Orphan, error) {
	expired, err := m.st.ExpiredLeases(ctx, now)
	if err != nil {
		return nil, err
	}

	orphans := make([]Orphan, 0, len(expired))
	for _, lock := range expired {
		if err := m.st.DeleteLease(ctx, lock.ID); err != nil {
			return orphans, err
		}
		slog.Warn("Reaped expired lease",
			"instance", lock.InstanceName, "slot", lock.SlotIdx, "job_id", lock.ScanJobID)
		orphans = append(orphans, Orphan{JobID: lock.ScanJobID, Instance: lock.InstanceName})
	}
	return orphans, nil
}
