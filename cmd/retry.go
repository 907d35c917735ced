package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/scanfleet/scanfleet/internal/queue"
	"github.com/scanfleet/scanfleet/models"
)

var retryProps string

var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Requeue a permanently failed job, optionally with a new properties override",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid job id %q", args[0])
		}

		props := ""
		if retryProps != "" {
			data, err := os.ReadFile(retryProps)
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

		if err := a.st.OperatorRequeue(cmd.Context(), jobID, props); err != nil {
			return fmt.Errorf("requeue failed (is job %d in failed_permanent?): %w", jobID, err)
		}
		err = a.q.Enqueue(cmd.Context(), queue.Message{
			JobID: jobID,
			Class: models.PriorityHigh, // operator retries jump the line
		})
		if err != nil {
			return err
		}

		fmt.Printf("Job %d requeued (attempts reset)\n", jobID)
		return nil
	},
}

func init() {
	retryCmd.Flags().StringVar(&retryProps, "props", "",
		"path to a job-level analysis properties file applied on retry")
}
