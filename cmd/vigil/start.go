package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/steveyegge/vigil/internal/metrics"
	"github.com/steveyegge/vigil/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the monitor scheduler in the foreground",
	Long: `Start the periodic monitoring loop and block until SIGINT or SIGTERM.

The monitor registers an instance row (id, host, pid, heartbeat) in the
store; a second 'vigil start' against the same store refuses to run.
With metrics enabled, /metrics and /healthz are served on the
configured address.

Example:
  $ vigil start
  ✓ vigil watching http://localhost:8284/ every 30s (Ctrl+C to stop)`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// The workspace lock catches a second monitor pointed at a
		// differently named database in the same .vigil/ directory, which
		// the instance registry cannot see. Stores outside a workspace
		// rely on the registry alone.
		var lockPath string
		if _, err := storage.GetWorkspaceRoot(cfg.Store.Path); err == nil {
			lockPath, err = storage.AcquireMonitorLock(cfg.Store.Path, version)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				exit(exitError)
			}
		}

		m, err := newMonitor()
		if err != nil {
			releaseLock(lockPath)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(exitError)
		}

		var metricsSrv *metrics.Server
		if cfg.Metrics.Enabled {
			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				fmt.Fprintf(os.Stderr, "Error: metrics registration failed: %v\n", err)
				exit(exitError)
			}
			metricsSrv = metrics.NewServer(cfg.Metrics.Addr)
			go func() {
				if err := metricsSrv.Start(); err != nil {
					slog.Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
				}
			}()
			slog.Info("metrics listening", "addr", cfg.Metrics.Addr)
		}

		if err := m.Start(ctx); err != nil {
			releaseLock(lockPath)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(exitError)
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s vigil watching %s every %s (Ctrl+C to stop)\n",
			green("✓"), cfg.Target.HealthURL, cfg.Monitor.Interval)

		<-ctx.Done()
		fmt.Println("\nShutting down...")

		m.Stop()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("metrics server shutdown failed", "error", err)
			}
		}
		releaseLock(lockPath)
		fmt.Println("Monitor stopped.")
	},
}

// releaseLock removes the workspace lock if one was taken. A lock left
// behind by a kill -9 is reclaimed on the next start via the liveness
// check in AcquireMonitorLock.
func releaseLock(lockPath string) {
	if lockPath == "" {
		return
	}
	if err := storage.ReleaseMonitorLock(lockPath); err != nil {
		slog.Warn("failed to release workspace lock", "path", lockPath, "error", err)
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
}
