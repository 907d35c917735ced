package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/scanfleet/scanfleet/internal/config"
	"github.com/scanfleet/scanfleet/internal/database"
	"github.com/scanfleet/scanfleet/internal/finish"
	"github.com/scanfleet/scanfleet/internal/lockmgr"
	"github.com/scanfleet/scanfleet/internal/notify"
	"github.com/scanfleet/scanfleet/internal/queue"
	"github.com/scanfleet/scanfleet/internal/repocache"
	"github.com/scanfleet/scanfleet/internal/sonar"
	"github.com/scanfleet/scanfleet/internal/store"
	"github.com/scanfleet/scanfleet/models"
)

// localResolver serves the test's on-disk repository for every slug.
type localResolver struct{ path string }

func (r localResolver) Resolve(context.Context, string) (string, string, error) {
	return r.path, "", nil
}

// initRepo creates a git repository with one commit and returns its sha.
func initRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("main.go"); err != nil {
		t.Fatal(err)
	}
	hash, err := wt.Commit("initial", &gogit.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}
	return dir, hash.String()
}

type e2e struct {
	cfg *config.Config
	st  *store.Store
	q   *queue.Queue
	d   *Dispatcher
}

func newE2E(t *testing.T, repoDir string) *e2e {
	t.Helper()
	db, err := database.NewSQLite(config.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "e2e.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := store.New(db)

	mr := miniredis.RunT(t)
	q, err := queue.New(config.RedisConfig{URL: "redis://" + mr.Addr(), Namespace: "e2e"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	metricsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"component": map[string]any{
				"key": r.URL.Query().Get("component"),
				"measures": []map[string]string{
					{"metric": "ncloc", "value": "1"},
				},
			},
		})
	}))
	t.Cleanup(metricsSrv.Close)

	// Stub scanner prints the submission line with a fixed task id.
	scannerBin := filepath.Join(t.TempDir(), "fake-scanner")
	script := "#!/bin/sh\necho \"INFO: More about the report processing at " +
		metricsSrv.URL + "/api/ce/task?id=AYe2e1\"\n"
	if err := os.WriteFile(scannerBin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{}
	cfg.Sonar = config.SonarConfig{
		Instances: []config.InstanceConfig{
			{Name: "primary", Host: metricsSrv.URL, Token: "t", ConcurrencyCap: 1, ScannerPath: scannerBin},
		},
		Metrics:                        []string{"ncloc"},
		MetricsChunkSize:               10,
		MetricsHTTPTimeoutMS:           2000,
		MetricsRetryMax:                1,
		MetricsNotFoundDeadlineSeconds: 1,
	}
	cfg.Scan = config.ScanConfig{
		LeaseTTLSeconds:              30,
		WaitForWebhookTimeoutSeconds: 5,
		ScanTimeoutSeconds:           10,
		StaleQueueThresholdSeconds:   3600,
		MaxRetries:                   1,
		RetryBackoffBaseMS:           1,
		RetryBackoffCapMS:            5,
		NoSlotBackoffMS:              10,
		LogDir:                       t.TempDir(),
	}

	cache, err := repocache.New(t.TempDir(), localResolver{path: repoDir})
	if err != nil {
		t.Fatal(err)
	}
	scanner, err := sonar.NewScanner(cfg.Scan.LogDir, cfg.Scan.ScanTimeout())
	if err != nil {
		t.Fatal(err)
	}
	lm := lockmgr.New(st, cfg.Sonar.Instances, cfg.Scan.LeaseTTL())
	fin := finish.New(cfg, st, lm, sonar.NewMetricsClient(cfg.Sonar), notify.NewDispatcher(config.NotifyConfig{}))
	d := New("test-0", cfg, st, q, lm, cache, scanner, fin)
	return &e2e{cfg: cfg, st: st, q: q, d: d}
}

func (e *e2e) seedJob(t *testing.T, commit string) *models.ScanJob {
	t.Helper()
	ctx := context.Background()
	pid, err := e.st.CreateProject(ctx, &models.Project{Key: "proj", Name: "proj", CSVPath: "x"})
	if err != nil {
		t.Fatal(err)
	}
	e.st.SetProjectStats(ctx, pid, 1, 1, 1)
	job := &models.ScanJob{ProjectID: pid, RepoSlug: "acme/lib", CommitSHA: commit, MaxRetries: 1}
	if _, err := e.st.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	e.st.MarkQueued(ctx, job.ID, models.JobPending)
	if err := e.q.Enqueue(ctx, queue.Message{JobID: job.ID, Class: models.PriorityNormal}); err != nil {
		t.Fatal(err)
	}
	return job
}

func waitFor(t *testing.T, e *e2e, jobID int64, want string, timeout time.Duration) *models.ScanJob {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := e.st.GetJob(context.Background(), jobID)
		if err == nil && job.State == want {
			return job
		}
		time.Sleep(25 * time.Millisecond)
	}
	job, _ := e.st.GetJob(context.Background(), jobID)
	t.Fatalf("job %d never reached %s (state=%s, err=%q)", jobID, want, job.State, job.LastError)
	return nil
}

func TestDispatcherCompletesScanViaStoredWebhook(t *testing.T) {
	repoDir, commit := initRepo(t)
	e := newE2E(t, repoDir)
	ctx := context.Background()

	job := e.seedJob(t, commit)

	// The completion callback "arrived" before the dispatcher bound the
	// submission id; the intake stored it as an orphan.
	if _, err := e.st.RecordWebhookEvent(ctx, &models.WebhookEvent{
		AnalysisID: "AYe2e1", ComponentKey: "proj_" + commit, Status: "SUCCESS", Orphan: true,
	}); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.d.Run(runCtx)

	final := waitFor(t, e, job.ID, models.JobSucceeded, 10*time.Second)
	if final.Attempts != 0 {
		t.Fatalf("attempts = %d", final.Attempts)
	}

	result, err := e.st.GetResultByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("scan result missing: %v", err)
	}
	m, _ := result.Measures()
	if m["ncloc"] != "1" {
		t.Fatalf("measures = %v", m)
	}

	// Slot released, project aggregate rolled up.
	n, _ := e.st.ActiveLockCount(ctx, "primary", time.Now().UTC())
	if n != 0 {
		t.Fatalf("active locks = %d after completion", n)
	}
	project, _ := e.st.GetProject(ctx, job.ProjectID)
	if project.Status != models.ProjectDone {
		t.Fatalf("project status = %s, want done", project.Status)
	}
}

func TestDispatcherFailsMissingCommitPermanently(t *testing.T) {
	repoDir, _ := initRepo(t)
	e := newE2E(t, repoDir)
	ctx := context.Background()

	// A well-formed sha that exists in no repository.
	job := e.seedJob(t, strings.Repeat("ab12", 10))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.d.Run(runCtx)

	final := waitFor(t, e, job.ID, models.JobFailedPermanent, 10*time.Second)
	if !strings.Contains(final.LastError, "commit not found") {
		t.Fatalf("last error = %q", final.LastError)
	}
	if final.Attempts != 0 {
		t.Fatalf("permanent failure should not burn retry attempts, got %d", final.Attempts)
	}

	fc, err := e.st.GetFailedCommitByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("dead letter missing: %v", err)
	}
	if fc.CommitSHA != job.CommitSHA {
		t.Fatalf("dead letter commit = %s", fc.CommitSHA)
	}

	// The broker-side DLQ carries the pointer too.
	deadline := time.Now().Add(3 * time.Second)
	for {
		n, err := e.q.DLQLength(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dlq length = %d, want 1", n)
		}
		time.Sleep(25 * time.Millisecond)
	}

	if _, err := e.st.GetResultByJob(ctx, job.ID); err == nil {
		t.Fatal("failed job must not have a scan result")
	}
}
