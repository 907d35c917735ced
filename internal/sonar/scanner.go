package sonar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/scanfleet/scanfleet/internal/config"
)

// taskIDPattern matches the submission line the scanner prints on success:
//
//	More about the report processing at http://host/api/ce/task?id=AYxyz...
var taskIDPattern = regexp.MustCompile(`api/ce/task\?id=([A-Za-z0-9_-]+)`)

// Scanner invokes the external analysis CLI for a checked-out commit.
type Scanner struct {
	logDir  string
	timeout time.Duration
}

// NewScanner creates a Scanner writing per-commit logs under logDir.
func NewScanner(logDir string, timeout time.Duration) (*Scanner, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating scanner log directory: %w", err)
	}
	return &Scanner{logDir: logDir, timeout: timeout}, nil
}

// SubmitOptions carries everything one submission needs.
type SubmitOptions struct {
	Workdir    string
	ProjectKey string
	CommitSHA  string
	Instance   config.InstanceConfig
	// Props is the resolved analysis property blob (job → project → default).
	Props string
}

// Submission is the outcome of a successful scanner run.
type Submission struct {
	AnalysisID   string
	ComponentKey string
	LogPath      string
}

// Run executes the scanner against the working copy and parses the
// submission identifier from its output. The log path is returned even on
// failure so the job can point operators at it.
func (s *Scanner) Run(ctx context.Context, opts SubmitOptions) (*Submission, error) {
	componentKey := opts.ProjectKey + "_" + opts.CommitSHA
	logPath := filepath.Join(s.logDir, componentKey+".log")

	props, err := ParseProps(opts.Props)
	if err != nil {
		return &Submission{ComponentKey: componentKey, LogPath: logPath}, err
	}

	bin := opts.Instance.ScannerPath
	if bin == "" {
		bin = "sonar-scanner"
	}

	args := []string{
		"-Dsonar.projectKey=" + componentKey,
		"-Dsonar.projectBaseDir=" + opts.Workdir,
		"-Dsonar.host.url=" + opts.Instance.Host,
		"-Dsonar.qualitygate.wait=false",
	}
	for _, kv := range props {
		args = append(args, "-D"+kv[0]+"="+kv[1])
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if s.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("creating scanner log %s: %w", logPath, err)
	}
	defer logFile.Close()

	var out bytes.Buffer
	tee := io.MultiWriter(logFile, &out)

	// nosemgrep: go.lang.security.audit.dangerous-exec-command.dangerous-exec-command
	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = opts.Workdir
	cmd.Stdout = tee
	cmd.Stderr = tee
	cmd.Env = append(os.Environ(), "SONAR_TOKEN="+opts.Instance.Token)

	slog.Info("Running scanner",
		"component", componentKey,
		"instance", opts.Instance.Name,
		"workdir", opts.Workdir,
		"log", logPath,
	)
	start := time.Now()
	runErr := cmd.Run()
	sub := &Submission{ComponentKey: componentKey, LogPath: logPath}

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return sub, fmt.Errorf("%w after %s", ErrScanTimeout, s.timeout)
		}
		return sub, fmt.Errorf("scanner exited: %w", runErr)
	}

	match := taskIDPattern.FindSubmatch(out.Bytes())
	if match == nil {
		return sub, ErrSubmissionIDMissing
	}
	sub.AnalysisID = string(match[1])

	slog.Info("Scanner submitted analysis",
		"component", componentKey,
		"analysis_id", sub.AnalysisID,
		"instance", opts.Instance.Name,
		"duration", fmt.Sprintf("%.1fs", time.Since(start).Seconds()),
	)
	return sub, nil
}
