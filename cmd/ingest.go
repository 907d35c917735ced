package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scanfleet/scanfleet/internal/ingest"
)

var (
	ingestName  string
	ingestKey   string
	ingestProps string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <csv-file>",
	Short: "Upload a project CSV and enqueue one scan job per commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		csvPath, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		key := ingestKey
		if key == "" {
			base := filepath.Base(csvPath)
			key = strings.TrimSuffix(base, filepath.Ext(base))
		}
		name := ingestName
		if name == "" {
			name = key
		}

		props := ""
		if ingestProps != "" {
			data, err := os.ReadFile(ingestProps)
			if err != nil {
				return fmt.Errorf("reading properties file: %w", err)
			}
			props = string(data)
		}

		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		ing := ingest.New(a.st, a.q, a.cfg.Ingest, a.cfg.Scan.MaxRetries)
		summary, err := ing.IngestFile(cmd.Context(), csvPath, name, key, props)
		if err != nil {
			return err
		}

		fmt.Printf("Project %d (%s): %d rows, %d jobs queued, %d duplicates skipped\n",
			summary.ProjectID, key, summary.RowCount, summary.JobsCreated, summary.Duplicates)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestName, "name", "", "display name (default: the project key)")
	ingestCmd.Flags().StringVar(&ingestKey, "key", "", "analysis server project key (default: derived from file name)")
	ingestCmd.Flags().StringVar(&ingestProps, "props", "", "path to a project-level analysis properties file")
}
