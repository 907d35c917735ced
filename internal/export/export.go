// Package export streams a project's accumulated scan results as CSV.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/scanfleet/scanfleet/internal/store"
)

// Exporter writes tabular result output.
type Exporter struct {
	st      *store.Store
	metrics []string
}

// New creates an Exporter with a fixed metric column set, so every row has
// the same shape regardless of which metrics each fetch returned.
func New(st *store.Store, metrics []string) *Exporter {
	return &Exporter{st: st, metrics: metrics}
}

// WriteProject streams all results for projectID to w as CSV:
// repo, branch, commit, component key, analysis id, then one column per
// configured metric.
func (e *Exporter) WriteProject(ctx context.Context, projectID int64, w io.Writer) (int, error) {
	cw := csv.NewWriter(w)

	header := []string{"repo_slug", "branch", "commit_sha", "component_key", "analysis_id"}
	header = append(header, e.metrics...)
	if err := cw.Write(header); err != nil {
		return 0, fmt.Errorf("writing export header: %w", err)
	}

	count := 0
	var rowErr error
	err := e.st.ResultsForProject(ctx, projectID, 200, func(rows []store.ResultRow) bool {
		for _, row := range rows {
			measures := map[string]string{}
			if row.MeasuresJSON != "" {
				if err := json.Unmarshal([]byte(row.MeasuresJSON), &measures); err != nil {
					rowErr = fmt.Errorf("decoding measures for job %d: %w", row.ScanJobID, err)
					return false
				}
			}

			record := []string{row.RepoSlug, row.Branch, row.CommitSHA, row.ComponentKey, row.AnalysisID}
			for _, key := range e.metrics {
				record = append(record, measures[key])
			}
			if err := cw.Write(record); err != nil {
				rowErr = err
				return false
			}
			count++
		}
		return true
	})
	if err != nil {
		return count, err
	}
	if rowErr != nil {
		return count, rowErr
	}

	cw.Flush()
	return count, cw.Error()
}
