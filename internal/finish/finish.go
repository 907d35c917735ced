// Package finish owns the tail of a successful scan: metrics harvest,
// result upsert, the running → succeeded transition and lease release.
// Both the webhook intake (normal path) and the dispatcher (early-webhook
// catch-up) drive completions through here, so the state-conditional
// writes below are what keep a doubly-delivered webhook down to one
// transition and one result row.
package finish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/scanfleet/scanfleet/internal/config"
	"github.com/scanfleet/scanfleet/internal/lockmgr"
	"github.com/scanfleet/scanfleet/internal/notify"
	"github.com/scanfleet/scanfleet/internal/sonar"
	"github.com/scanfleet/scanfleet/internal/store"
	"github.com/scanfleet/scanfleet/models"
)

// Finisher completes or fails running jobs based on analysis outcomes.
type Finisher struct {
	cfg      *config.Config
	st       *store.Store
	lm       *lockmgr.Manager
	metrics  *sonar.MetricsClient
	notifier *notify.Dispatcher
}

// New creates a Finisher.
func New(cfg *config.Config, st *store.Store, lm *lockmgr.Manager, metrics *sonar.MetricsClient, notifier *notify.Dispatcher) *Finisher {
	return &Finisher{cfg: cfg, st: st, lm: lm, metrics: metrics, notifier: notifier}
}

// CompleteSuccess harvests metrics for the job's analysis and finalizes
// the success path. Safe to call more than once for the same analysis:
// the result upsert and the conditional transition absorb duplicates.
func (f *Finisher) CompleteSuccess(ctx context.Context, job *models.ScanJob, analysisID string) error {
	project, err := f.st.GetProject(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("loading project for job %d: %w", job.ID, err)
	}
	inst, ok := f.cfg.Instance(job.LeaseInstance)
	if !ok {
		return fmt.Errorf("job %d leased on unknown instance %q", job.ID, job.LeaseInstance)
	}

	componentKey := job.ComponentKey(project.Key)
	measures, err := f.metrics.Fetch(ctx, inst, componentKey)
	if err != nil {
		return f.failFromMetrics(ctx, job, err)
	}

	result := &models.ScanResult{
		ScanJobID:    job.ID,
		ComponentKey: componentKey,
		AnalysisID:   analysisID,
	}
	if err := result.SetMeasures(measures); err != nil {
		return fmt.Errorf("encoding measures for job %d: %w", job.ID, err)
	}
	if err := f.st.UpsertResult(ctx, result); err != nil {
		return err
	}

	if err := f.st.MarkSucceeded(ctx, job.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Someone else finalized this job; the upsert above made our
			// write idempotent, nothing more to do.
			slog.Debug("Job already finalized", "job_id", job.ID)
			return nil
		}
		return err
	}
	f.releaseLease(ctx, job)

	// An operator-retried job closes out its dead-letter record.
	if err := f.st.SetFailedCommitDisposition(ctx, job.ID, models.FailedResolved); err != nil {
		slog.Warn("Failed to resolve dead-letter record", "job_id", job.ID, "error", err)
	}

	slog.Info("Job succeeded",
		"job_id", job.ID, "component", componentKey, "analysis_id", analysisID,
		"metrics", len(measures))

	f.afterTerminal(ctx, job, project)
	return nil
}

// FailTemp records a retryable failure: running → failed_temp with the
// attempt counted, then the lease freed. Requeueing is the caller's
// (dispatcher's or reconciler's) concern.
func (f *Finisher) FailTemp(ctx context.Context, job *models.ScanJob, reason string) error {
	if err := f.st.MarkFailedTemp(ctx, job, reason); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	f.releaseLease(ctx, job)
	slog.Warn("Job failed temporarily", "job_id", job.ID, "reason", reason)
	return nil
}

// FailPermanent moves the job to its terminal failure state, writes the
// dead-letter record, frees the lease, and fires the aggregate/notify tail.
func (f *Finisher) FailPermanent(ctx context.Context, job *models.ScanJob, reason string, fromStates ...string) error {
	if err := f.st.MarkFailedPermanent(ctx, job, reason, fromStates...); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	f.releaseLease(ctx, job)
	slog.Error("Job failed permanently", "job_id", job.ID, "reason", reason)

	job.State = models.JobFailedPermanent
	job.LastError = reason
	if project, err := f.st.GetProject(ctx, job.ProjectID); err == nil {
		f.afterTerminal(ctx, job, project)
	}
	return nil
}

// failFromMetrics classifies a metrics-fetch failure. Non-404 4xx means
// the component will never be readable with this configuration; everything
// else is worth another attempt.
func (f *Finisher) failFromMetrics(ctx context.Context, job *models.ScanJob, fetchErr error) error {
	reason := fmt.Sprintf("metrics fetch: %v", fetchErr)
	var terr error
	if sonar.IsPermanentStatus(fetchErr) {
		terr = f.st.MarkFailedPermanent(ctx, job, reason, models.JobRunning)
	} else {
		terr = f.st.MarkFailedTemp(ctx, job, reason)
	}
	if terr != nil && !errors.Is(terr, store.ErrConflict) {
		return terr
	}
	f.releaseLease(ctx, job)

	if sonar.IsPermanentStatus(fetchErr) {
		job.State = models.JobFailedPermanent
		job.LastError = reason
		project, perr := f.st.GetProject(ctx, job.ProjectID)
		if perr == nil {
			f.afterTerminal(ctx, job, project)
		}
	}
	return nil
}

// releaseLease frees the instance slot. Already-reaped leases are no-ops.
func (f *Finisher) releaseLease(ctx context.Context, job *models.ScanJob) {
	if job.LeaseToken == "" {
		return
	}
	lease := &models.Lease{Instance: job.LeaseInstance, Token: job.LeaseToken, JobID: job.ID}
	if err := f.lm.Release(ctx, lease); err != nil {
		slog.Warn("Failed to release lease", "job_id", job.ID, "error", err)
	}
}

// afterTerminal recomputes the project aggregate and fires notifications.
func (f *Finisher) afterTerminal(ctx context.Context, job *models.ScanJob, project *models.Project) {
	status, err := f.st.RecomputeProjectStatus(ctx, project.ID)
	if err != nil {
		slog.Warn("Failed to recompute project status", "project_id", project.ID, "error", err)
		return
	}
	if f.notifier == nil {
		return
	}
	if job.State == models.JobFailedPermanent {
		f.notifier.Notify(ctx, notify.Event{
			Type:    notify.EventCommitFailed,
			Title:   fmt.Sprintf("Commit failed permanently: %s@%s", job.RepoSlug, shortSHA(job.CommitSHA)),
			Body:    job.LastError,
			Project: project.Key,
			Commit:  job.CommitSHA,
		})
	}
	if status == models.ProjectDone || status == models.ProjectPartial {
		f.notifier.Notify(ctx, notify.Event{
			Type:    notify.EventProjectDone,
			Title:   fmt.Sprintf("Project %s finished: %s", project.Key, status),
			Body:    fmt.Sprintf("%d commits processed", project.CommitCount),
			Project: project.Key,
		})
	}
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
