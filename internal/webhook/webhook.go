// Package webhook is the intake for the analysis server's asynchronous
// completion callbacks. Every accepted payload is persisted before any
// correlation work; orphans (no in-flight job for the analysis id) are
// stored and acknowledged with 200 so the server stops retrying. All
// correlation effects go through state-conditional writes, which makes a
// replayed payload produce at most one transition.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/scanfleet/scanfleet/internal/config"
	"github.com/scanfleet/scanfleet/internal/finish"
	"github.com/scanfleet/scanfleet/internal/store"
	"github.com/scanfleet/scanfleet/models"
)

// maxBodyBytes bounds the accepted payload size.
const maxBodyBytes = 1 << 20

// payload mirrors the completion callback's JSON body.
type payload struct {
	TaskID     string `json:"taskId"`
	Status     string `json:"status"` // SUCCESS | FAILED | CANCELED
	AnalysedAt string `json:"analysedAt"`
	Project    struct {
		Key string `json:"key"`
	} `json:"project"`
}

// fetchTask is one queued metrics harvest.
type fetchTask struct {
	job        *models.ScanJob
	analysisID string
}

// Intake verifies, persists and correlates completion callbacks, fanning
// correlated successes out to the metrics fetch workers.
type Intake struct {
	st       *store.Store
	finisher *finish.Finisher
	verifier *Verifier

	tasks chan fetchTask
	wg    sync.WaitGroup
}

// NewIntake creates an Intake with the given number of metrics workers.
func NewIntake(cfg config.SonarConfig, st *store.Store, finisher *finish.Finisher, workers int) *Intake {
	if workers <= 0 {
		workers = 2
	}
	in := &Intake{
		st:       st,
		finisher: finisher,
		verifier: NewVerifier(cfg.WebhookSecret, cfg.WebhookSignatureHeaders),
		tasks:    make(chan fetchTask, 64),
	}
	for i := 0; i < workers; i++ {
		in.wg.Add(1)
		go in.fetchWorker(i)
	}
	return in
}

// Close drains the fetch workers.
func (in *Intake) Close() {
	close(in.tasks)
	in.wg.Wait()
}

func (in *Intake) fetchWorker(id int) {
	defer in.wg.Done()
	for task := range in.tasks {
		ctx := context.Background()
		if err := in.finisher.CompleteSuccess(ctx, task.job, task.analysisID); err != nil {
			slog.Error("Metrics completion failed",
				"worker", id, "job_id", task.job.ID, "analysis_id", task.analysisID, "error", err)
		}
	}
}

// Handler returns the HTTP handler for POST /webhook/sonar.
func (in *Intake) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}

		if err := in.verifier.Verify(r.Header, body); err != nil {
			slog.Warn("Rejected webhook with invalid signature", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}

		if err := in.process(r.Context(), body); err != nil {
			slog.Error("Webhook processing failed", "error", err)
			http.Error(w, "processing error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
}

// process correlates one verified payload with the in-flight job.
func (in *Intake) process(ctx context.Context, body []byte) error {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("parsing webhook payload: %w", err)
	}
	if p.TaskID == "" {
		return errors.New("webhook payload has no taskId")
	}

	job, err := in.st.GetRunningJobByAnalysisID(ctx, p.TaskID)
	orphan := false
	if errors.Is(err, store.ErrNotFound) {
		orphan = true
		err = nil
	}
	if err != nil {
		return err
	}

	// Persist the event before acting on it. An orphan stays here for
	// observability and for the dispatcher's late-correlation lookup.
	_, err = in.st.RecordWebhookEvent(ctx, &models.WebhookEvent{
		AnalysisID:   p.TaskID,
		ComponentKey: p.Project.Key,
		Status:       p.Status,
		Payload:      string(body),
		Orphan:       orphan,
	})
	if err != nil {
		return err
	}

	if orphan {
		slog.Info("Stored orphan webhook", "analysis_id", p.TaskID, "status", p.Status)
		return nil
	}

	if p.Status == "SUCCESS" {
		slog.Info("Correlated completion webhook",
			"analysis_id", p.TaskID, "job_id", job.ID, "component", p.Project.Key)
		in.tasks <- fetchTask{job: job, analysisID: p.TaskID}
		return nil
	}

	return in.finisher.FailTemp(ctx, job, "analysis-failed: "+p.Status)
}
