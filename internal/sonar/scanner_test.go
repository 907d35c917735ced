package sonar

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scanfleet/scanfleet/internal/config"
)

// stubScanner writes an executable script standing in for the scanner CLI.
func stubScanner(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-scanner")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("writing stub scanner: %v", err)
	}
	return path
}

func testInstance(bin string) config.InstanceConfig {
	return config.InstanceConfig{
		Name: "primary", Host: "http://sonar.local:9000", Token: "tok", ScannerPath: bin,
	}
}

func TestRunParsesSubmissionID(t *testing.T) {
	bin := stubScanner(t,
		`echo "INFO: Analysis report uploaded"
echo "INFO: More about the report processing at http://sonar.local:9000/api/ce/task?id=AYtest-123_x"
`)
	s, err := NewScanner(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	sub, err := s.Run(context.Background(), SubmitOptions{
		Workdir:    t.TempDir(),
		ProjectKey: "proj",
		CommitSHA:  "abc123",
		Instance:   testInstance(bin),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sub.AnalysisID != "AYtest-123_x" {
		t.Fatalf("analysis id = %q", sub.AnalysisID)
	}
	if sub.ComponentKey != "proj_abc123" {
		t.Fatalf("component key = %q", sub.ComponentKey)
	}

	// Output is tee'd to the per-commit log file.
	data, err := os.ReadFile(sub.LogPath)
	if err != nil {
		t.Fatalf("reading scan log: %v", err)
	}
	if !strings.Contains(string(data), "Analysis report uploaded") {
		t.Fatalf("log missing scanner output: %q", data)
	}
}

func TestRunMissingSubmissionIDIsPermanent(t *testing.T) {
	bin := stubScanner(t, `echo "INFO: EXECUTION SUCCESS without any task line"`)
	s, err := NewScanner(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	sub, err := s.Run(context.Background(), SubmitOptions{
		Workdir: t.TempDir(), ProjectKey: "proj", CommitSHA: "abc", Instance: testInstance(bin),
	})
	if !errors.Is(err, ErrSubmissionIDMissing) {
		t.Fatalf("expected ErrSubmissionIDMissing, got %v", err)
	}
	if sub == nil || sub.LogPath == "" {
		t.Fatal("log path must be returned even on failure")
	}
}

func TestRunNonZeroExitFails(t *testing.T) {
	bin := stubScanner(t, `echo "ERROR: scan blew up" >&2
exit 2`)
	s, err := NewScanner(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Run(context.Background(), SubmitOptions{
		Workdir: t.TempDir(), ProjectKey: "proj", CommitSHA: "abc", Instance: testInstance(bin),
	})
	if err == nil || errors.Is(err, ErrSubmissionIDMissing) {
		t.Fatalf("expected exit error, got %v", err)
	}
}

func TestRunTimesOut(t *testing.T) {
	bin := stubScanner(t, `sleep 5`)
	s, err := NewScanner(t.TempDir(), 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Run(context.Background(), SubmitOptions{
		Workdir: t.TempDir(), ProjectKey: "proj", CommitSHA: "abc", Instance: testInstance(bin),
	})
	if !errors.Is(err, ErrScanTimeout) {
		t.Fatalf("expected ErrScanTimeout, got %v", err)
	}
}

func TestRunRejectsInvalidProps(t *testing.T) {
	bin := stubScanner(t, `echo unused`)
	s, err := NewScanner(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Run(context.Background(), SubmitOptions{
		Workdir: t.TempDir(), ProjectKey: "proj", CommitSHA: "abc",
		Instance: testInstance(bin), Props: "this is not a property",
	})
	if !errors.Is(err, ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
}
