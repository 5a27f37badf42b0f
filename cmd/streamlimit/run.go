package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goodtune/streamlimit/internal/admin"
	"github.com/goodtune/streamlimit/internal/metrics"
	"github.com/goodtune/streamlimit/internal/systemd"
	"github.com/goodtune/streamlimit/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll Tautulli and enforce limits until stopped",
	Long: `Run the daemon. Every poll interval the active streams are read from
Tautulli, viewing time is recorded and streams over their limit are
terminated. SIGHUP reloads the gate policy.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(false)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := rt.cfg
	logger := rt.logger
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("tautulli", cfg.Tautulli.URL).
		Int("max_session_minutes", cfg.Limits.MaxSessionMinutes).
		Int("max_daily_minutes", cfg.Limits.MaxDailyMinutes).
		Strs("opt_out_days", cfg.Gates.OptOutDays).
		Bool("blocked_hours", cfg.Gates.BlockedHours.Enabled).
		Strs("policies", rt.gates.Modules()).
		Msg("Starting streamlimit")

	// Check for systemd socket activation
	listeners, err := systemd.GetListeners()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to get systemd listeners, falling back to manual binding")
		listeners = &systemd.Listeners{}
	}

	if listeners.Activated {
		logger.Info().Msg("Running under systemd socket activation")
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, logger)
		if listeners.Metrics != nil {
			metricsServer.SetListener(listeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return err
		}
	}

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer = admin.NewServer(admin.Config{
			ListenAddr: cfg.Admin.Listen,
			Token:      cfg.Admin.Token,
		}, rt.tracker, rt.gates, logger)
		if listeners.Admin != nil {
			adminServer.SetListener(listeners.Admin)
		}
		if err := adminServer.Start(); err != nil {
			return err
		}
	}

	interval := parseDuration(cfg.Poll.Interval, 30*time.Second)
	timeout := parseDuration(cfg.Poll.Timeout, 20*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		pollLoop(ctx, rt.tracker, interval, timeout, logger)
	}()

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	var watchdog <-chan time.Time
	if wd := systemd.WatchdogInterval(); wd > 0 {
		ticker := time.NewTicker(wd)
		defer ticker.Stop()
		watchdog = ticker.C
		logger.Debug().Dur("interval", wd).Msg("systemd watchdog enabled")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

loop:
	for {
		select {
		case <-watchdog:
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}

		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info().Msg("SIGHUP received, reloading policies...")
				_ = systemd.NotifyReloading()
				if err := rt.gates.Reload(); err != nil {
					logger.Error().Err(err).Msg("Failed to reload policies")
				} else {
					logger.Info().Msg("Policies reloaded successfully")
				}
				_ = systemd.NotifyReady()

			case os.Interrupt, syscall.SIGTERM:
				logger.Info().Msg("Shutdown signal received, gracefully stopping...")
				break loop
			}
		}
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	cancel()
	wg.Wait()

	if adminServer != nil {
		if err := adminServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Admin Server")
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("streamlimit stopped")

	return nil
}

// pollLoop runs one tick immediately and then one per interval until ctx is
// cancelled. Tick errors are logged and the loop carries on.
func pollLoop(ctx context.Context, tracker *usage.Tracker, interval, timeout time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		tickCtx, cancel := context.WithTimeout(ctx, timeout)
		report, err := tracker.Tick(tickCtx)
		cancel()

		switch {
		case err != nil:
			logger.Error().Err(err).Msg("Poll failed")
		case report.Reset:
			logger.Info().Int("deleted", report.ResetDeleted).Msg("Daily reset completed")
		case report.Skipped:
			logger.Debug().Msg("Enforcement skipped today")
		default:
			logger.Debug().
				Int("sessions", len(report.Sessions)).
				Int("terminated", report.Terminated()).
				Bool("blocked", report.Blocked).
				Msg("Poll completed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
