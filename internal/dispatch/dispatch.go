// Package dispatch runs the worker loop: receive a work pointer from the
// queue, lease an instance slot, check out the commit, submit the scan,
// then wait for the webhook-driven completion. Success is normally
// finalized by the intake → finisher chain; the dispatcher calls the
// finisher itself only for a webhook stored before the analysis id was
// bound. Otherwise it observes the job leaving running and settles the
// queue message accordingly.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scanfleet/scanfleet/internal/config"
	"github.com/scanfleet/scanfleet/internal/finish"
	"github.com/scanfleet/scanfleet/internal/lockmgr"
	"github.com/scanfleet/scanfleet/internal/queue"
	"github.com/scanfleet/scanfleet/internal/repocache"
	"github.com/scanfleet/scanfleet/internal/sonar"
	"github.com/scanfleet/scanfleet/internal/store"
	"github.com/scanfleet/scanfleet/models"
)

// statePollInterval is how often the wait loop re-reads the job while
// waiting for the webhook-driven completion.
const statePollInterval = 2 * time.Second

// Dispatcher is one worker loop. Each concurrent worker owns its own
// Dispatcher so checkouts land in distinct directories.
type Dispatcher struct {
	id       string
	cfg      *config.Config
	st       *store.Store
	q        *queue.Queue
	lm       *lockmgr.Manager
	cache    *repocache.Cache
	scanner  *sonar.Scanner
	finisher *finish.Finisher
}

// New creates a Dispatcher identified by id.
func New(id string, cfg *config.Config, st *store.Store, q *queue.Queue, lm *lockmgr.Manager,
	cache *repocache.Cache, scanner *sonar.Scanner, finisher *finish.Finisher) *Dispatcher {
	return &Dispatcher{
		id: id, cfg: cfg, st: st, q: q, lm: lm,
		cache: cache, scanner: scanner, finisher: finisher,
	}
}

// Run consumes the queue until the context ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("Dispatcher started", "dispatcher", d.id)
	for {
		delivery, err := d.q.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Dispatcher stopping", "dispatcher", d.id)
				return nil
			}
			slog.Error("Queue receive failed", "dispatcher", d.id, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		d.handle(ctx, delivery)
	}
}

// handle processes one delivery end to end.
func (d *Dispatcher) handle(ctx context.Context, delivery *queue.Delivery) {
	jobID := delivery.Message.JobID
	job, err := d.st.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("Message for unknown job, dropping", "job_id", jobID)
		d.ack(ctx, delivery)
		return
	}
	if err != nil {
		slog.Error("Failed to load job", "job_id", jobID, "error", err)
		d.nack(ctx, delivery, d.cfg.Scan.NoSlotBackoff())
		return
	}

	switch job.State {
	case models.JobQueued:
	case models.JobPending:
		// Enqueue crashed between insert and the queued transition; repair.
		if err := d.st.MarkQueued(ctx, job.ID, models.JobPending); err != nil && !errors.Is(err, store.ErrConflict) {
			slog.Error("Failed to queue pending job", "job_id", job.ID, "error", err)
			d.nack(ctx, delivery, d.cfg.Scan.NoSlotBackoff())
			return
		}
		job.State = models.JobQueued
	default:
		// Duplicate delivery of settled work.
		slog.Debug("Dropping message for job not in queued state", "job_id", job.ID, "state", job.State)
		d.ack(ctx, delivery)
		return
	}

	lease, err := d.lm.Acquire(ctx, job)
	if errors.Is(err, lockmgr.ErrNoSlot) {
		slog.Debug("No instance slot available", "job_id", job.ID)
		d.nack(ctx, delivery, d.cfg.Scan.NoSlotBackoff())
		return
	}
	if err != nil {
		slog.Error("Lease acquisition failed", "job_id", job.ID, "error", err)
		d.nack(ctx, delivery, d.cfg.Scan.NoSlotBackoff())
		return
	}

	if err := d.st.MarkRunning(ctx, job, lease); err != nil {
		// Another worker won the start race; give the slot back.
		if relErr := d.lm.Release(ctx, lease); relErr != nil {
			slog.Warn("Failed to release unused lease", "job_id", job.ID, "error", relErr)
		}
		if errors.Is(err, store.ErrConflict) {
			d.ack(ctx, delivery)
		} else {
			slog.Error("Failed to start job", "job_id", job.ID, "error", err)
			d.nack(ctx, delivery, d.cfg.Scan.NoSlotBackoff())
		}
		return
	}
	job.State = models.JobRunning
	job.LeaseInstance = lease.Instance
	job.LeaseToken = lease.Token

	// Heartbeat for the whole checkout + scan + wait span. A reaped lease
	// cancels the scan: continuing without exclusion could overload the
	// instance past its cap.
	scanCtx, cancelScan := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go d.heartbeat(scanCtx, lease, cancelScan, hbDone)

	d.execute(scanCtx, job, lease, delivery)

	cancelScan()
	<-hbDone
}

// execute runs checkout, submission and the completion wait.
func (d *Dispatcher) execute(ctx context.Context, job *models.ScanJob, lease *models.Lease, delivery *queue.Delivery) {
	checkout, err := d.cache.CheckoutCommit(ctx, job.RepoSlug, job.CommitSHA, d.id)
	if err != nil {
		d.settleFailure(ctx, job, classifyCheckout(err), fmt.Sprintf("checkout: %v", err), delivery)
		return
	}
	defer d.cache.Release(checkout)

	project, err := d.st.GetProject(ctx, job.ProjectID)
	if err != nil {
		d.settleFailure(ctx, job, false, fmt.Sprintf("loading project: %v", err), delivery)
		return
	}
	inst, ok := d.cfg.Instance(lease.Instance)
	if !ok {
		d.settleFailure(ctx, job, false, fmt.Sprintf("leased instance %q not configured", lease.Instance), delivery)
		return
	}

	props := sonar.ResolveProps(job.ScannerProps, project.ScannerProps, d.cfg.Sonar.ScannerDefaultProps)
	sub, err := d.scanner.Run(ctx, sonar.SubmitOptions{
		Workdir:    checkout.Path,
		ProjectKey: project.Key,
		CommitSHA:  job.CommitSHA,
		Instance:   inst,
		Props:      props,
	})
	if sub != nil && sub.LogPath != "" {
		if logErr := d.st.RecordJobLog(ctx, job.ID, sub.LogPath); logErr != nil {
			slog.Warn("Failed to record scanner log path", "job_id", job.ID, "error", logErr)
		}
		job.LogPath = sub.LogPath
	}
	if err != nil {
		d.settleFailure(ctx, job, classifyScan(err), fmt.Sprintf("scanner: %v", err), delivery)
		return
	}

	if err := d.st.BindAnalysisID(ctx, job.ID, lease.Token, sub.AnalysisID, sub.LogPath); err != nil {
		// The lease was reaped mid-scan; the reconciler owns the job now.
		slog.Warn("Could not bind analysis id", "job_id", job.ID, "error", err)
		d.ack(ctx, delivery)
		return
	}
	job.LeaseAnalysisID = sub.AnalysisID

	// The webhook may have beaten the bind; consult the stored events
	// before settling in to wait.
	if d.tryStoredWebhook(ctx, job, sub.AnalysisID) {
		d.settleOutcome(ctx, job.ID, delivery)
		return
	}

	d.waitForCompletion(ctx, job, delivery)
}

// tryStoredWebhook checks whether a completion callback for analysisID
// already arrived (and was stored as an orphan). Returns true if it drove
// the job out of running.
func (d *Dispatcher) tryStoredWebhook(ctx context.Context, job *models.ScanJob, analysisID string) bool {
	events, err := d.st.WebhookEventsByAnalysisID(ctx, analysisID)
	if err != nil || len(events) == 0 {
		return false
	}
	ev := events[0]
	slog.Info("Found stored webhook for fresh submission",
		"job_id", job.ID, "analysis_id", analysisID, "status", ev.Status)
	if ev.Status == "SUCCESS" {
		if err := d.finisher.CompleteSuccess(ctx, job, analysisID); err != nil {
			slog.Error("Stored-webhook completion failed", "job_id", job.ID, "error", err)
			return false
		}
		return true
	}
	if err := d.finisher.FailTemp(ctx, job, "analysis-failed: "+ev.Status); err != nil {
		return false
	}
	return true
}

// waitForCompletion polls the store until the webhook chain moves the job
// out of running, or the wait deadline passes.
func (d *Dispatcher) waitForCompletion(ctx context.Context, job *models.ScanJob, delivery *queue.Delivery) {
	deadline := time.NewTimer(d.cfg.Scan.WaitForWebhookTimeout())
	defer deadline.Stop()
	tick := time.NewTicker(statePollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown or reaped lease: leave the job to the reconciler.
			d.ack(context.Background(), delivery)
			return
		case <-deadline.C:
			if err := d.finisher.FailTemp(ctx, job, "webhook-timeout"); err != nil {
				slog.Error("Failed to time out job", "job_id", job.ID, "error", err)
			}
			d.settleOutcome(ctx, job.ID, delivery)
			return
		case <-tick.C:
			current, err := d.st.GetJob(ctx, job.ID)
			if err != nil {
				continue
			}
			if current.State != models.JobRunning {
				d.settleOutcome(ctx, job.ID, delivery)
				return
			}
		}
	}
}

// settleFailure translates a local failure into the matching transition
// and settles the message.
func (d *Dispatcher) settleFailure(ctx context.Context, job *models.ScanJob, permanent bool, reason string, delivery *queue.Delivery) {
	var err error
	if permanent {
		err = d.finisher.FailPermanent(ctx, job, reason, models.JobRunning)
	} else {
		err = d.finisher.FailTemp(ctx, job, reason)
	}
	if err != nil {
		slog.Error("Failed to record job failure", "job_id", job.ID, "reason", reason, "error", err)
	}
	d.settleOutcome(ctx, job.ID, delivery)
}

// settleOutcome re-reads the job and settles the queue message: ack on
// terminal, retry re-enqueue (or escalation) on failed_temp.
func (d *Dispatcher) settleOutcome(ctx context.Context, jobID int64, delivery *queue.Delivery) {
	job, err := d.st.GetJob(ctx, jobID)
	if err != nil {
		d.ack(ctx, delivery)
		return
	}

	switch job.State {
	case models.JobFailedTemp:
		d.requeueOrEscalate(ctx, job, delivery)
	case models.JobFailedPermanent:
		if err := delivery.DeadLetter(ctx); err != nil {
			slog.Warn("DLQ push failed", "job_id", job.ID, "error", err)
			d.ack(ctx, delivery)
		}
	default:
		d.ack(ctx, delivery)
	}
}

// requeueOrEscalate applies the retry budget: re-enqueue with exponential
// backoff while attempts remain, otherwise escalate to failed_permanent.
func (d *Dispatcher) requeueOrEscalate(ctx context.Context, job *models.ScanJob, delivery *queue.Delivery) {
	if job.Attempts > job.MaxRetries {
		reason := fmt.Sprintf("retries exhausted after %d attempts: %s", job.Attempts, job.LastError)
		if err := d.finisher.FailPermanent(ctx, job, reason, models.JobFailedTemp); err != nil {
			slog.Error("Escalation failed", "job_id", job.ID, "error", err)
		}
		if err := delivery.DeadLetter(ctx); err != nil {
			d.ack(ctx, delivery)
		}
		return
	}

	if err := d.st.RequeueForRetry(ctx, job); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			slog.Error("Requeue failed", "job_id", job.ID, "error", err)
		}
		d.ack(ctx, delivery)
		return
	}

	delay := queue.Backoff(d.cfg.Scan.RetryBackoffBase(), d.cfg.Scan.RetryBackoffCap(),
		d.cfg.Scan.RetryJitterRatio, job.Attempts)
	err := d.q.EnqueueDelayed(ctx, queue.Message{
		JobID:   job.ID,
		Class:   models.PriorityRetry,
		Attempt: job.Attempts,
	}, delay)
	if err != nil {
		// The reconciler's stale-queued sweep re-enqueues it later.
		slog.Warn("Delayed re-enqueue failed", "job_id", job.ID, "error", err)
	}
	slog.Info("Job requeued for retry",
		"job_id", job.ID, "attempt", job.Attempts, "delay", delay)
	d.ack(ctx, delivery)
}

// heartbeat extends the lease at ttl/3 until the scan context ends. A
// heartbeat conflict means the reaper took the lease — cancel the scan.
func (d *Dispatcher) heartbeat(ctx context.Context, lease *models.Lease, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	interval := d.lm.TTL() / 3
	if interval <= 0 {
		interval = time.Minute
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := d.lm.Heartbeat(ctx, lease); err != nil {
				if errors.Is(err, store.ErrConflict) {
					slog.Warn("Lease lost, cancelling scan", "job_id", lease.JobID, "instance", lease.Instance)
					cancel()
					return
				}
				slog.Warn("Heartbeat failed", "job_id", lease.JobID, "error", err)
			}
		}
	}
}

// ack acknowledges, logging on failure; the reconciler covers lost acks.
func (d *Dispatcher) ack(ctx context.Context, delivery *queue.Delivery) {
	if err := delivery.Ack(ctx); err != nil {
		slog.Warn("Ack failed", "job_id", delivery.Message.JobID, "error", err)
	}
}

func (d *Dispatcher) nack(ctx context.Context, delivery *queue.Delivery, delay time.Duration) {
	if err := delivery.Nack(ctx, delay); err != nil {
		slog.Warn("Nack failed", "job_id", delivery.Message.JobID, "error", err)
	}
}

// classifyCheckout: a missing commit can never succeed; everything else
// (network, disk) is worth another attempt.
func classifyCheckout(err error) bool {
	return errors.Is(err, repocache.ErrCommitMissing)
}

// classifyScan: absent submission id and unusable configuration are
// permanent; timeouts and non-zero exits retry.
func classifyScan(err error) bool {
	return errors.Is(err, sonar.ErrSubmissionIDMissing) || errors.Is(err, sonar.ErrConfigInvalid)
}
