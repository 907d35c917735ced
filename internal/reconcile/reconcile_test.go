package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/scanfleet/scanfleet/internal/config"
	"github.com/scanfleet/scanfleet/internal/database"
	"github.com/scanfleet/scanfleet/internal/finish"
	"github.com/scanfleet/scanfleet/internal/lockmgr"
	"github.com/scanfleet/scanfleet/internal/notify"
	"github.com/scanfleet/scanfleet/internal/queue"
	"github.com/scanfleet/scanfleet/internal/sonar"
	"github.com/scanfleet/scanfleet/internal/store"
	"github.com/scanfleet/scanfleet/models"
)

type fixture struct {
	cfg *config.Config
	st  *store.Store
	q   *queue.Queue
	lm  *lockmgr.Manager
	rec *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewSQLite(config.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "rec.db"),
	})
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	st := store.New(db)

	mr := miniredis.RunT(t)
	q, err := queue.New(config.RedisConfig{URL: "redis://" + mr.Addr(), Namespace: "rec-test"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	cfg := &config.Config{}
	cfg.Sonar.Instances = []config.InstanceConfig{
		{Name: "primary", Host: "http://p", Token: "t", ConcurrencyCap: 1},
	}
	cfg.Scan = config.ScanConfig{
		LeaseTTLSeconds:            1,
		StaleQueueThresholdSeconds: 3600,
		MaxRetries:                 2,
		RetryBackoffBaseMS:         1,
		RetryBackoffCapMS:          5,
	}

	lm := lockmgr.New(st, cfg.Sonar.Instances, cfg.Scan.LeaseTTL())
	fin := finish.New(cfg, st, lm, sonar.NewMetricsClient(cfg.Sonar), notify.NewDispatcher(config.NotifyConfig{}))
	rec := New(cfg, st, q, lm, fin, nil)
	return &fixture{cfg: cfg, st: st, q: q, lm: lm, rec: rec}
}

// seedRunningWithLease creates a running job whose lease (lock row + job
// fields) expired expiredAgo in the past.
func (f *fixture) seedRunningWithLease(t *testing.T, commit string, attempts int, expiredAgo time.Duration) *models.ScanJob {
	t.Helper()
	ctx := context.Background()
	project, err := f.st.GetProjectByKey(ctx, "proj")
	var pid int64
	if err != nil {
		pid, err = f.st.CreateProject(ctx, &models.Project{Key: "proj", Name: "proj", CSVPath: "x"})
		if err != nil {
			t.Fatal(err)
		}
	} else {
		pid = project.ID
	}

	job := &models.ScanJob{ProjectID: pid, RepoSlug: "acme/lib", CommitSHA: commit, MaxRetries: 2}
	if _, err := f.st.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	f.st.MarkQueued(ctx, job.ID, models.JobPending)

	// Walk the attempts counter up through real failed cycles.
	for i := 0; i < attempts; i++ {
		fresh, _ := f.st.GetJob(ctx, job.ID)
		lease := &models.Lease{Instance: "primary", Token: "warm", JobID: job.ID,
			AcquiredAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(time.Minute)}
		f.st.MarkRunning(ctx, fresh, lease)
		fresh, _ = f.st.GetJob(ctx, job.ID)
		f.st.MarkFailedTemp(ctx, fresh, "prior")
		fresh, _ = f.st.GetJob(ctx, job.ID)
		f.st.RequeueForRetry(ctx, fresh)
	}

	fresh, _ := f.st.GetJob(ctx, job.ID)
	now := time.Now().UTC()
	lease := &models.Lease{Instance: "primary", Token: "tok-" + commit, JobID: job.ID,
		AcquiredAt: now.Add(-expiredAgo - time.Minute), ExpiresAt: now.Add(-expiredAgo)}
	if err := f.st.MarkRunning(ctx, fresh, lease); err != nil {
		t.Fatalf("seeding running job: %v", err)
	}
	if err := f.st.ClaimSlot(ctx, &models.InstanceLock{
		InstanceName: "primary", SlotIdx: 0, Token: lease.Token, ScanJobID: job.ID,
		AcquiredAt: lease.AcquiredAt, ExpiresAt: lease.ExpiresAt,
	}); err != nil {
		t.Fatalf("seeding lock row: %v", err)
	}
	out, _ := f.st.GetJob(ctx, job.ID)
	return out
}

func TestSweepRescuesExpiredLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.seedRunningWithLease(t, "c1", 0, time.Minute)

	if err := f.rec.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := f.st.GetJob(ctx, job.ID)
	if got.State != models.JobQueued {
		t.Fatalf("state = %s, want queued (rescued + requeued)", got.State)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastError != "lease-expired" {
		t.Fatalf("last error = %q", got.LastError)
	}

	// The slot must be free again.
	n, err := f.st.ActiveLockCount(ctx, "primary", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("active locks = %d, want 0", n)
	}

	// And a delayed broker message exists for the retry.
	time.Sleep(20 * time.Millisecond)
	recvCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err := f.q.Receive(recvCtx)
	if err != nil {
		t.Fatalf("expected requeued message: %v", err)
	}
	if d.Message.JobID != job.ID || d.Message.Class != models.PriorityRetry {
		t.Fatalf("unexpected message: %+v", d.Message)
	}
	d.Ack(ctx)
}

func TestSweepEscalatesPastRetryBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Two prior failures; the reconcile-induced one is the third and last.
	job := f.seedRunningWithLease(t, "c2", 2, time.Minute)

	if err := f.rec.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := f.st.GetJob(ctx, job.ID)
	if got.State != models.JobFailedPermanent {
		t.Fatalf("state = %s, want failed_permanent", got.State)
	}
	if got.Attempts != 3 || got.Attempts > got.MaxRetries+1 {
		t.Fatalf("attempts = %d", got.Attempts)
	}

	fc, err := f.st.GetFailedCommitByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("dead letter missing: %v", err)
	}
	if fc.Disposition != models.FailedPending {
		t.Fatalf("disposition = %s", fc.Disposition)
	}
}

func TestSweepReenqueuesStaleQueuedJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cfg.Scan.StaleQueueThresholdSeconds = 0 // everything queued is stale

	pid, err := f.st.CreateProject(ctx, &models.Project{Key: "stale", Name: "stale", CSVPath: "x"})
	if err != nil {
		t.Fatal(err)
	}
	job := &models.ScanJob{ProjectID: pid, RepoSlug: "acme/lib", CommitSHA: "c9", MaxRetries: 2}
	f.st.CreateJob(ctx, job)
	f.st.MarkQueued(ctx, job.ID, models.JobPending)

	time.Sleep(10 * time.Millisecond)
	if err := f.rec.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err := f.q.Receive(recvCtx)
	if err != nil {
		t.Fatalf("stale job not re-enqueued: %v", err)
	}
	if d.Message.JobID != job.ID {
		t.Fatalf("unexpected message: %+v", d.Message)
	}
	d.Ack(ctx)
}

func TestSweepBackfillsMissingDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pid, _ := f.st.CreateProject(ctx, &models.Project{Key: "bf", Name: "bf", CSVPath: "x"})
	job := &models.ScanJob{ProjectID: pid, RepoSlug: "acme/lib", CommitSHA: "cb", MaxRetries: 0}
	f.st.CreateJob(ctx, job)
	// Force the terminal state without the dead-letter write.
	if err := f.st.DB().Exec(ctx,
		`UPDATE scan_jobs SET state = ?, last_error = ? WHERE id = ?`,
		models.JobFailedPermanent, "lost record", job.ID); err != nil {
		t.Fatal(err)
	}

	if err := f.rec.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	fc, err := f.st.GetFailedCommitByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("backfill missing: %v", err)
	}
	if fc.Reason != "lost record" {
		t.Fatalf("reason = %q", fc.Reason)
	}
}
