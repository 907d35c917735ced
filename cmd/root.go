package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "scanfleet",
	Short: "Batch code-quality analysis across a fleet of analysis servers",
	Long: `scanfleet orchestrates large batches of code-quality analyses: it ingests
a CSV of repository commits, checks each commit out, submits it to an
analysis server under a per-instance concurrency cap, correlates the
server's completion webhook back to the job, and persists the harvested
metrics.

Get started:
  scanfleet doctor     Verify database, broker, scanner and instances
  scanfleet ingest     Upload a project CSV and enqueue its commits
  scanfleet worker     Run dispatcher workers
  scanfleet serve      Run the webhook intake and reconciler daemon
  scanfleet status     Show project and job progress
  scanfleet export     Export a project's results as CSV`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.scanfleet/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		ingestCmd,
		workerCmd,
		serveCmd,
		statusCmd,
		failedCmd,
		retryCmd,
		exportCmd,
		doctorCmd,
	)
}

func initLogging() {
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		slog.Debug("Verbose logging enabled")
	}
}
