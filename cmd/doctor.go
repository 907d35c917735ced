package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/scanfleet/scanfleet/internal/config"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Verify database, broker, scanner binary and instance reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		ok := true
		check := func(name string, err error) {
			if err != nil {
				ok = false
				fmt.Printf("  %s %s: %v\n", failStyle.Render("✗"), name, err)
				return
			}
			fmt.Printf("  %s %s\n", okStyle.Render("✓"), name)
		}

		fmt.Println(headerStyle.Render("scanfleet doctor"))
		check("config", config.Validate(a.cfg))
		check(fmt.Sprintf("database (%s)", a.db.Driver()), a.db.Ping(cmd.Context()))
		check("broker", a.q.Ping(cmd.Context()))

		for _, inst := range a.cfg.Sonar.Instances {
			check("scanner binary for "+inst.Name, checkScanner(cmd.Context(), inst))
			check("instance "+inst.Name, checkInstance(cmd.Context(), inst))
		}

		if !ok {
			return fmt.Errorf("some checks failed")
		}
		return nil
	},
}

// checkScanner verifies the scanner binary is on PATH (or at the
// configured location).
func checkScanner(ctx context.Context, inst config.InstanceConfig) error {
	bin := inst.ScannerPath
	if bin == "" {
		bin = "sonar-scanner"
	}
	_, err := exec.LookPath(bin)
	return err
}

// checkInstance probes the analysis server's status endpoint.
func checkInstance(ctx context.Context, inst config.InstanceConfig) error {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.Host+"/api/system/status", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}
