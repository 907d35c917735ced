// Package reconcile is the periodic sweep that rescues whatever worker
// death, broker loss or lost acknowledgements left behind. Everything here
// is idempotent: a sweep racing a live dispatcher loses its conditional
// writes and moves on.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scanfleet/scanfleet/internal/config"
	"github.com/scanfleet/scanfleet/internal/finish"
	"github.com/scanfleet/scanfleet/internal/lockmgr"
	"github.com/scanfleet/scanfleet/internal/queue"
	"github.com/scanfleet/scanfleet/internal/repocache"
	"github.com/scanfleet/scanfleet/internal/store"
	"github.com/scanfleet/scanfleet/models"
)

// Reconciler runs the recovery sweep on a fixed cadence.
type Reconciler struct {
	cfg      *config.Config
	st       *store.Store
	q        *queue.Queue
	lm       *lockmgr.Manager
	finisher *finish.Finisher
	cache    *repocache.Cache

	cron *cron.Cron
}

// New creates a Reconciler.
func New(cfg *config.Config, st *store.Store, q *queue.Queue, lm *lockmgr.Manager,
	finisher *finish.Finisher, cache *repocache.Cache) *Reconciler {
	return &Reconciler{cfg: cfg, st: st, q: q, lm: lm, finisher: finisher, cache: cache}
}

// Start schedules the sweep at the configured interval and the repo-cache
// GC at its cron expression, then starts the runner.
func (r *Reconciler) Start() error {
	r.cron = cron.New()

	interval := r.cfg.Scan.ReconcilerInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := r.Sweep(context.Background()); err != nil {
			slog.Warn("Reconcile sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling reconcile sweep: %w", err)
	}

	if r.cache != nil && r.cfg.Repos.GCSchedule != "" {
		if _, err := r.cron.AddFunc(r.cfg.Repos.GCSchedule, func() {
			if err := r.cache.GC(r.cfg.Repos.GCDiskFreeThresholdMB); err != nil {
				slog.Warn("Repo cache GC failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("scheduling repo cache GC: %w", err)
		}
	}

	r.cron.Start()
	slog.Info("Reconciler started", "interval", interval)
	return nil
}

// Stop halts the cron runner gracefully.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

// Sweep runs one full reconcile pass.
func (r *Reconciler) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	// Reap expired leases and rescue the jobs they orphaned.
	orphans, err := r.lm.Expire(ctx, now)
	if err != nil {
		return fmt.Errorf("expiring leases: %w", err)
	}
	for _, o := range orphans {
		r.rescueOrphan(ctx, o.JobID)
	}

	// Running jobs whose lease vanished without an orphan event (for
	// example an expired slot row cleared by Acquire, which reports no
	// orphan).
	past, err := r.st.RunningJobsPastLease(ctx, now)
	if err != nil {
		return fmt.Errorf("finding running jobs past lease: %w", err)
	}
	for i := range past {
		r.failAndRequeue(ctx, &past[i], "lease-expired")
	}

	// Queued jobs the broker lost.
	stale, err := r.st.StaleQueuedJobs(ctx, now.Add(-r.cfg.Scan.StaleQueueThreshold()))
	if err != nil {
		return fmt.Errorf("finding stale queued jobs: %w", err)
	}
	for i := range stale {
		r.reenqueue(ctx, &stale[i])
	}

	// Messages stuck in the broker's processing list (consumer death).
	if reaped, err := r.q.ReapProcessing(ctx, r.cfg.Scan.LeaseTTL()); err != nil {
		slog.Warn("Processing reap failed", "error", err)
	} else if reaped > 0 {
		slog.Info("Requeued stuck broker messages", "count", reaped)
	}

	// failed_temp jobs with budget left: requeue with backoff.
	failedTemp, err := r.st.JobsByState(ctx, models.JobFailedTemp, 500)
	if err != nil {
		return fmt.Errorf("finding failed_temp jobs: %w", err)
	}
	for i := range failedTemp {
		r.retryOrEscalate(ctx, &failedTemp[i])
	}

	// Dead letters that lost their durable record between the two writes.
	missing, err := r.st.PermanentFailuresWithoutRecord(ctx)
	if err != nil {
		return fmt.Errorf("finding unrecorded permanent failures: %w", err)
	}
	for i := range missing {
		job := &missing[i]
		err := r.st.UpsertFailedCommit(ctx, &models.FailedCommit{
			ScanJobID:   job.ID,
			RepoSlug:    job.RepoSlug,
			CommitSHA:   job.CommitSHA,
			Reason:      job.LastError,
			LogPath:     job.LogPath,
			Disposition: models.FailedPending,
		})
		if err != nil {
			slog.Warn("Dead-letter backfill failed", "job_id", job.ID, "error", err)
		} else {
			slog.Info("Backfilled dead-letter record", "job_id", job.ID)
		}
	}

	// Keep project aggregates honest even when the finisher tail was lost.
	r.recomputeActiveProjects(ctx)

	return nil
}

// rescueOrphan handles a job whose lease the reaper reclaimed.
func (r *Reconciler) rescueOrphan(ctx context.Context, jobID int64) {
	job, err := r.st.GetJob(ctx, jobID)
	if err != nil {
		slog.Warn("Orphaned job not found", "job_id", jobID, "error", err)
		return
	}
	if job.State != models.JobRunning {
		return // already settled elsewhere
	}
	r.failAndRequeue(ctx, job, "lease-expired")
}

// failAndRequeue moves a running job to failed_temp and applies the retry
// budget.
func (r *Reconciler) failAndRequeue(ctx context.Context, job *models.ScanJob, reason string) {
	if err := r.st.MarkFailedTemp(ctx, job, reason); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			slog.Warn("Reconcile transition failed", "job_id", job.ID, "error", err)
		}
		return
	}
	if job.LeaseToken != "" {
		if err := r.st.ReleaseLease(ctx, job.LeaseToken); err != nil {
			slog.Warn("Reconcile lease release failed", "job_id", job.ID, "error", err)
		}
	}
	job.Attempts++
	job.State = models.JobFailedTemp
	slog.Warn("Rescued orphaned job", "job_id", job.ID, "reason", reason, "attempts", job.Attempts)
	r.retryOrEscalate(ctx, job)
}

// retryOrEscalate requeues a failed_temp job with backoff or escalates it
// past the retry budget.
func (r *Reconciler) retryOrEscalate(ctx context.Context, job *models.ScanJob) {
	if job.Attempts > job.MaxRetries {
		reason := fmt.Sprintf("retries exhausted after %d attempts: %s", job.Attempts, job.LastError)
		if err := r.finisher.FailPermanent(ctx, job, reason, models.JobFailedTemp); err != nil {
			slog.Warn("Reconcile escalation failed", "job_id", job.ID, "error", err)
		}
		return
	}

	if err := r.st.RequeueForRetry(ctx, job); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			slog.Warn("Reconcile requeue failed", "job_id", job.ID, "error", err)
		}
		return
	}
	delay := queue.Backoff(r.cfg.Scan.RetryBackoffBase(), r.cfg.Scan.RetryBackoffCap(),
		r.cfg.Scan.RetryJitterRatio, job.Attempts)
	err := r.q.EnqueueDelayed(ctx, queue.Message{
		JobID:   job.ID,
		Class:   models.PriorityRetry,
		Attempt: job.Attempts,
	}, delay)
	if err != nil {
		slog.Warn("Reconcile delayed enqueue failed", "job_id", job.ID, "error", err)
		return
	}
	slog.Info("Reconciler requeued job", "job_id", job.ID, "attempt", job.Attempts, "delay", delay)
}

// reenqueue puts a stale queued job back on the broker on its own class.
func (r *Reconciler) reenqueue(ctx context.Context, job *models.ScanJob) {
	class := job.Priority
	if class == "" {
		class = models.PriorityNormal
	}
	err := r.q.Enqueue(ctx, queue.Message{JobID: job.ID, Class: class, Attempt: job.Attempts})
	if err != nil {
		slog.Warn("Stale requeue failed", "job_id", job.ID, "error", err)
		return
	}
	// Touch updated_at so the next sweep doesn't re-enqueue it again.
	if err := r.st.MarkQueued(ctx, job.ID, models.JobQueued); err != nil && !errors.Is(err, store.ErrConflict) {
		slog.Warn("Stale requeue touch failed", "job_id", job.ID, "error", err)
	}
	slog.Info("Re-enqueued stale queued job", "job_id", job.ID)
}

// recomputeActiveProjects refreshes aggregates for projects still
// collecting.
func (r *Reconciler) recomputeActiveProjects(ctx context.Context) {
	projects, err := r.st.ListProjects(ctx, 200, 0)
	if err != nil {
		slog.Warn("Project listing failed during reconcile", "error", err)
		return
	}
	for _, p := range projects {
		if p.Status != models.ProjectCollecting {
			continue
		}
		if _, err := r.st.RecomputeProjectStatus(ctx, p.ID); err != nil {
			slog.Warn("Aggregate recompute failed", "project_id", p.ID, "error", err)
		}
	}
}
