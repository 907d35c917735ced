package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/scanfleet/scanfleet/internal/config"
	"github.com/scanfleet/scanfleet/internal/dispatch"
	"github.com/scanfleet/scanfleet/internal/finish"
	"github.com/scanfleet/scanfleet/internal/lockmgr"
	"github.com/scanfleet/scanfleet/internal/notify"
	"github.com/scanfleet/scanfleet/internal/repocache"
	"github.com/scanfleet/scanfleet/internal/repository"
	"github.com/scanfleet/scanfleet/internal/sonar"
)

var workerCount int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run dispatcher workers consuming the scan queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := config.Validate(a.cfg); err != nil {
			return err
		}

		workers := workerCount
		if workers <= 0 {
			workers = a.cfg.Scan.Workers
		}
		if workers <= 0 {
			workers = 1
		}

		resolver, err := repository.NewResolver(a.cfg.Git)
		if err != nil {
			return err
		}
		cache, err := repocache.New(a.cfg.Repos.Workdir, resolver)
		if err != nil {
			return err
		}
		scanner, err := sonar.NewScanner(a.cfg.Scan.LogDir, a.cfg.Scan.ScanTimeout())
		if err != nil {
			return err
		}

		lm := lockmgr.New(a.st, a.cfg.Sonar.Instances, a.cfg.Scan.LeaseTTL())
		notifier := notify.NewDispatcher(a.cfg.Notify)
		finisher := finish.New(a.cfg, a.st, lm, sonar.NewMetricsClient(a.cfg.Sonar), notifier)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hostID := uuid.NewString()[:8]
		slog.Info("Starting workers", "count", workers, "host_id", hostID)

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			id := fmt.Sprintf("%s-%d", hostID, i)
			d := dispatch.New(id, a.cfg, a.st, a.q, lm, cache, scanner, finisher)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := d.Run(ctx); err != nil {
					slog.Error("Worker exited with error", "dispatcher", id, "error", err)
				}
			}()
		}
		wg.Wait()
		slog.Info("All workers stopped")
		return nil
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerCount, "workers", 0,
		"number of concurrent scan workers (default: scan.workers from config)")
}
