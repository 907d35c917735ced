package lockmgr

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/scanfleet/scanfleet/internal/config"
	"github.com/scanfleet/scanfleet/internal/database"
	"github.com/scanfleet/scanfleet/internal/store"
	"github.com/scanfleet/scanfleet/models"
)

func newTestManager(t *testing.T, ttl time.Duration, instances ...config.InstanceConfig) (*Manager, *store.Store) {
	t.Helper()
	db, err := database.NewSQLite(config.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "locks.db"),
	})
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	st := store.New(db)
	return New(st, instances, ttl), st
}

func job(id int64) *models.ScanJob {
	return &models.ScanJob{ID: id, RepoSlug: "acme/lib", CommitSHA: "c"}
}

func TestAcquireRespectsConcurrencyCap(t *testing.T) {
	m, _ := newTestManager(t, time.Minute,
		config.InstanceConfig{Name: "primary", Host: "http://p", ConcurrencyCap: 2})
	ctx := context.Background()

	l1, err := m.Acquire(ctx, job(1))
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	l2, err := m.Acquire(ctx, job(2))
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if l1.SlotIndex == l2.SlotIndex {
		t.Fatalf("both leases claimed slot %d", l1.SlotIndex)
	}

	if _, err := m.Acquire(ctx, job(3)); !errors.Is(err, ErrNoSlot) {
		t.Fatalf("acquire past cap should return ErrNoSlot, got %v", err)
	}

	if err := m.Release(ctx, l1); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Acquire(ctx, job(3)); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestAcquireRoundRobinsAcrossInstances(t *testing.T) {
	m, _ := newTestManager(t, time.Minute,
		config.InstanceConfig{Name: "p", Host: "http://p", ConcurrencyCap: 5},
		config.InstanceConfig{Name: "s", Host: "http://s", ConcurrencyCap: 5})
	ctx := context.Background()

	counts := map[string]int{}
	for i := int64(1); i <= 10; i++ {
		lease, err := m.Acquire(ctx, job(i))
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		counts[lease.Instance]++
	}
	if counts["p"] != 5 || counts["s"] != 5 {
		t.Fatalf("expected 5/5 distribution, got %v", counts)
	}
}

func TestAcquireSpillsToFreeInstance(t *testing.T) {
	m, _ := newTestManager(t, time.Minute,
		config.InstanceConfig{Name: "p", Host: "http://p", ConcurrencyCap: 1},
		config.InstanceConfig{Name: "s", Host: "http://s", ConcurrencyCap: 1})
	ctx := context.Background()

	l1, err := m.Acquire(ctx, job(1))
	if err != nil {
		t.Fatal(err)
	}
	l2, err := m.Acquire(ctx, job(2))
	if err != nil {
		t.Fatal(err)
	}
	if l1.Instance == l2.Instance {
		t.Fatalf("second acquire should spill to the other instance, both on %s", l1.Instance)
	}
	if _, err := m.Acquire(ctx, job(3)); !errors.Is(err, ErrNoSlot) {
		t.Fatalf("fleet at cap should return ErrNoSlot, got %v", err)
	}
}

func TestExpireReapsAndReportsOrphans(t *testing.T) {
	m, st := newTestManager(t, 50*time.Millisecond,
		config.InstanceConfig{Name: "p", Host: "http://p", ConcurrencyCap: 1})
	ctx := context.Background()

	lease, err := m.Acquire(ctx, job(42))
	if err != nil {
		t.Fatal(err)
	}

	orphans, err := m.Expire(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 1 || orphans[0].JobID != 42 || orphans[0].Instance != "p" {
		t.Fatalf("unexpected orphans: %+v", orphans)
	}

	// The slot is free again.
	if _, err := m.Acquire(ctx, job(43)); err != nil {
		t.Fatalf("acquire after reap: %v", err)
	}

	// Release of the reaped lease is a no-op.
	if err := m.Release(ctx, lease); err != nil {
		t.Fatalf("idempotent release: %v", err)
	}
	n, err := st.ActiveLockCount(ctx, "p", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("active locks = %d, want 1 (job 43 only)", n)
	}
}

func TestHeartbeatExtendsOnlyHeldLease(t *testing.T) {
	m, _ := newTestManager(t, time.Minute,
		config.InstanceConfig{Name: "p", Host: "http://p", ConcurrencyCap: 1})
	ctx := context.Background()

	lease, err := m.Acquire(ctx, job(1))
	if err != nil {
		t.Fatal(err)
	}
	before := lease.ExpiresAt
	time.Sleep(10 * time.Millisecond)
	if err := m.Heartbeat(ctx, lease); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !lease.ExpiresAt.After(before) {
		t.Fatalf("heartbeat did not extend expiry: %v → %v", before, lease.ExpiresAt)
	}

	// After release the token no longer matches anything.
	if err := m.Release(ctx, lease); err != nil {
		t.Fatal(err)
	}
	if err := m.Heartbeat(ctx, lease); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("heartbeat on released lease should conflict, got %v", err)
	}
}
