package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/scanfleet/scanfleet/models"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var statusCmd = &cobra.Command{
	Use:   "status [project-id]",
	Short: "Show project and job progress",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid project id %q", args[0])
			}
			return printProjectStatus(cmd, a, id)
		}

		projects, err := a.st.ListProjects(cmd.Context(), 50, 0)
		if err != nil {
			return err
		}
		fmt.Println(headerStyle.Render(fmt.Sprintf("%-5s %-24s %-12s %8s %8s", "ID", "PROJECT", "STATUS", "COMMITS", "BRANCHES")))
		for _, p := range projects {
			fmt.Printf("%-5d %-24s %-12s %8d %8d\n",
				p.ID, truncate(p.Key, 24), styleProjectStatus(p.Status), p.CommitCount, p.BranchCount)
		}
		return nil
	},
}

func printProjectStatus(cmd *cobra.Command, a *app, projectID int64) error {
	project, err := a.st.GetProject(cmd.Context(), projectID)
	if err != nil {
		return err
	}
	counts, err := a.st.CountJobsByState(cmd.Context(), projectID)
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("Project %d — %s (%s)", project.ID, project.Key, project.Status)))
	for _, state := range []string{
		models.JobPending, models.JobQueued, models.JobRunning,
		models.JobSucceeded, models.JobFailedTemp, models.JobFailedPermanent,
	} {
		n := counts[state]
		line := fmt.Sprintf("  %-18s %d", state, n)
		switch state {
		case models.JobSucceeded:
			line = okStyle.Render(line)
		case models.JobFailedTemp:
			line = warnStyle.Render(line)
		case models.JobFailedPermanent:
			line = failStyle.Render(line)
		default:
			if n == 0 {
				line = dimStyle.Render(line)
			}
		}
		fmt.Println(line)
	}
	return nil
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List permanently failed commits for triage",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		failed, err := a.st.ListFailedCommits(cmd.Context(), "", 100, 0)
		if err != nil {
			return err
		}
		if len(failed) == 0 {
			fmt.Println(okStyle.Render("No failed commits"))
			return nil
		}

		fmt.Println(headerStyle.Render(fmt.Sprintf("%-7s %-28s %-14s %-10s %s", "JOB", "REPO", "COMMIT", "STATE", "REASON")))
		for _, fc := range failed {
			fmt.Printf("%-7d %-28s %-14s %-10s %s\n",
				fc.ScanJobID,
				truncate(fc.RepoSlug, 28),
				truncate(fc.CommitSHA, 14),
				fc.Disposition,
				truncate(strings.ReplaceAll(fc.Reason, "\n", " "), 60))
		}
		return nil
	},
}

func styleProjectStatus(status string) string {
	switch status {
	case models.ProjectDone:
		return okStyle.Render(status)
	case models.ProjectPartial:
		return warnStyle.Render(status)
	default:
		return status
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
