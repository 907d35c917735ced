// Package ingest turns a project CSV into a batch of queued scan jobs.
// Each row names a repository commit; one scan job is created per
// (project, commit) pair, with the store's uniqueness constraint absorbing
// duplicate rows within the file. A second ingest under an existing project
// key is rejected.
package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/scanfleet/scanfleet/internal/config"
	"github.com/scanfleet/scanfleet/internal/queue"
	"github.com/scanfleet/scanfleet/internal/store"
	"github.com/scanfleet/scanfleet/models"
)

// Required CSV columns, verified against the header at ingest time.
const (
	colRepo   = "gh_project_name"
	colCommit = "git_trigger_commit"
	colBranch = "git_branch"
)

// ErrBadEncoding marks a CSV that is neither valid UTF-8 nor decodable
// with the configured fallback charset. Permanent per file.
var ErrBadEncoding = errors.New("ingest: undecodable CSV encoding")

// ErrMissingColumns marks a CSV whose header lacks a required column.
var ErrMissingColumns = errors.New("ingest: required column missing")

// Ingestor parses CSVs and creates + enqueues scan jobs.
type Ingestor struct {
	st  *store.Store
	q   *queue.Queue
	cfg config.IngestConfig

	maxRetries int
}

// New creates an Ingestor.
func New(st *store.Store, q *queue.Queue, cfg config.IngestConfig, maxRetries int) *Ingestor {
	return &Ingestor{st: st, q: q, cfg: cfg, maxRetries: maxRetries}
}

// Row is one parsed CSV entry.
type Row struct {
	RepoSlug  string
	CommitSHA string
	Branch    string
}

// Summary reports what one ingest run did.
type Summary struct {
	ProjectID   int64
	RowCount    int
	JobsCreated int
	Duplicates  int
}

// IngestFile creates the project record, parses csvPath and creates one
// queued job per commit. scannerProps is the optional project-level
// analysis override.
func (i *Ingestor) IngestFile(ctx context.Context, csvPath, name, projectKey, scannerProps string) (*Summary, error) {
	rows, err := i.parseFile(csvPath)
	if err != nil {
		return nil, err
	}

	project := &models.Project{
		Key:          projectKey,
		Name:         name,
		CSVPath:      csvPath,
		ScannerProps: scannerProps,
	}
	projectID, err := i.st.CreateProject(ctx, project)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("project key %q already exists", projectKey)
		}
		return nil, err
	}

	summary := &Summary{ProjectID: projectID, RowCount: len(rows)}
	commits := map[string]bool{}
	branches := map[string]bool{}

	chunk := i.cfg.ChunkSize
	if chunk <= 0 {
		chunk = 500
	}

	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		for _, row := range rows[start:end] {
			commits[row.CommitSHA] = true
			if row.Branch != "" {
				branches[row.Branch] = true
			}
			created, err := i.createAndEnqueue(ctx, projectID, row)
			if err != nil {
				return summary, err
			}
			if created {
				summary.JobsCreated++
			} else {
				summary.Duplicates++
			}
		}
		slog.Info("Ingested chunk",
			"project_id", projectID, "rows", end, "total", len(rows))
	}

	if err := i.st.SetProjectStats(ctx, projectID, len(rows), len(commits), len(branches)); err != nil {
		return summary, err
	}
	return summary, nil
}

// createAndEnqueue inserts one pending job and queues it. A uniqueness
// conflict means the commit is already tracked; not an error.
func (i *Ingestor) createAndEnqueue(ctx context.Context, projectID int64, row Row) (bool, error) {
	job := &models.ScanJob{
		ProjectID:  projectID,
		RepoSlug:   row.RepoSlug,
		Branch:     row.Branch,
		CommitSHA:  row.CommitSHA,
		State:      models.JobPending,
		Priority:   models.PriorityNormal,
		MaxRetries: i.maxRetries,
	}
	jobID, err := i.st.CreateJob(ctx, job)
	if errors.Is(err, store.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := i.st.MarkQueued(ctx, jobID, models.JobPending); err != nil && !errors.Is(err, store.ErrConflict) {
		return false, err
	}
	err = i.q.Enqueue(ctx, queue.Message{
		JobID: jobID,
		Class: models.PriorityNormal,
	})
	if err != nil {
		return false, fmt.Errorf("enqueueing job %d: %w", jobID, err)
	}
	return true, nil
}

// parseFile reads and decodes the CSV, validating the header.
func (i *Ingestor) parseFile(csvPath string) ([]Row, error) {
	data, err := os.ReadFile(csvPath)
	if err != nil {
		return nil, fmt.Errorf("reading CSV %s: %w", csvPath, err)
	}

	decoded, err := decode(data, i.cfg.CSVEncoding)
	if err != nil {
		return nil, err
	}
	return parseRows(decoded)
}

// parseRows parses decoded CSV content into rows.
func parseRows(data []byte) ([]Row, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1 // extra columns are preserved but unused
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}

	idx := map[string]int{}
	for i, h := range header {
		idx[strings.TrimSpace(strings.ToLower(h))] = i
	}
	for _, col := range []string{colRepo, colCommit, colBranch} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumns, col)
		}
	}

	var rows []Row
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV row: %w", err)
		}

		row := Row{
			RepoSlug:  field(record, idx[colRepo]),
			CommitSHA: field(record, idx[colCommit]),
			Branch:    field(record, idx[colBranch]),
		}
		if row.RepoSlug == "" || row.CommitSHA == "" {
			continue // blank padding rows are common in exported CSVs
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func field(record []string, i int) string {
	if i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// decode returns UTF-8 content, falling back to the configured charset
// when the raw bytes are not valid UTF-8.
func decode(data []byte, fallback string) ([]byte, error) {
	if utf8.Valid(data) {
		return data, nil
	}
	enc, err := encodingByName(fallback)
	if err != nil {
		return nil, err
	}
	decoded, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}
	return decoded, nil
}

// encodingByName maps the configured charset name to a decoder.
func encodingByName(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "latin-1", "latin1", "iso-8859-1", "iso8859-1":
		return charmap.ISO8859_1, nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	case "":
		return nil, fmt.Errorf("%w: file is not valid UTF-8 and no fallback encoding is configured", ErrBadEncoding)
	default:
		return nil, fmt.Errorf("%w: unknown fallback encoding %q", ErrBadEncoding, name)
	}
}
