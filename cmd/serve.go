package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scanfleet/scanfleet/internal/config"
	"github.com/scanfleet/scanfleet/internal/finish"
	"github.com/scanfleet/scanfleet/internal/lockmgr"
	"github.com/scanfleet/scanfleet/internal/notify"
	"github.com/scanfleet/scanfleet/internal/reconcile"
	"github.com/scanfleet/scanfleet/internal/repocache"
	"github.com/scanfleet/scanfleet/internal/repository"
	"github.com/scanfleet/scanfleet/internal/sonar"
	"github.com/scanfleet/scanfleet/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook intake and reconciler daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := config.Validate(a.cfg); err != nil {
			return err
		}
		if a.cfg.Sonar.WebhookSecret == "" {
			return fmt.Errorf("sonar.webhook_secret must be configured for the intake")
		}

		lm := lockmgr.New(a.st, a.cfg.Sonar.Instances, a.cfg.Scan.LeaseTTL())
		notifier := notify.NewDispatcher(a.cfg.Notify)
		finisher := finish.New(a.cfg, a.st, lm, sonar.NewMetricsClient(a.cfg.Sonar), notifier)

		intake := webhook.NewIntake(a.cfg.Sonar, a.st, finisher, a.cfg.Serve.MetricsWorkers)
		defer intake.Close()

		// The reconciler runs alongside the intake so a single serve
		// process keeps the fleet healthy. The repo cache is attached only
		// for its GC sweep; serve never checks out commits.
		resolver, err := repository.NewResolver(a.cfg.Git)
		if err != nil {
			return err
		}
		cache, err := repocache.New(a.cfg.Repos.Workdir, resolver)
		if err != nil {
			return err
		}
		rec := reconcile.New(a.cfg, a.st, a.q, lm, finisher, cache)
		if err := rec.Start(); err != nil {
			return err
		}
		defer rec.Stop()

		mux := http.NewServeMux()
		mux.Handle("/webhook/sonar", intake.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := a.db.Ping(r.Context()); err != nil {
				http.Error(w, "db unavailable", http.StatusServiceUnavailable)
				return
			}
			if err := a.q.Ping(r.Context()); err != nil {
				http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
				return
			}
			fmt.Fprintln(w, "ok")
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Serve.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			slog.Info("Webhook intake listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Server shutdown was not clean", "error", err)
		}
		slog.Info("Serve daemon stopped")
		return nil
	},
}
