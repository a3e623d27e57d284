// Command vigil supervises an HTTP agent server: it probes the health
// endpoint on a fixed cadence, classifies failures, consults a diagnosis
// oracle, executes whitelisted repairs, and keeps the full incident history
// in a SQLite store.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/vigil/internal/classify"
	"github.com/steveyegge/vigil/internal/config"
	"github.com/steveyegge/vigil/internal/monitor"
	"github.com/steveyegge/vigil/internal/oracle"
	"github.com/steveyegge/vigil/internal/probe"
	"github.com/steveyegge/vigil/internal/repair"
	"github.com/steveyegge/vigil/internal/storage"
	"github.com/steveyegge/vigil/internal/types"
)

// version is stamped by the release build
var version = "dev"

// Shared command state, resolved by the root PersistentPreRunE
var (
	configPath string
	dbPath     string
	cfg        *config.Config
	store      storage.Storage
)

// Exit codes documented in the status and repair help text
const (
	exitOK            = 0
	exitError         = 1
	exitUnreachable   = 2
	exitOracleDown    = 3
	exitCapExceeded   = 4
	exitCycleInFlight = 5
)

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Self-healing monitor for an HTTP agent server",
	Long: `Vigil watches an HTTP agent server through its health endpoint,
classifies every reading as healthy, degraded, unreachable, or crashed,
and drives confirmed failures through diagnose-repair-verify cycles.

Incidents, repair attempts, and per-cycle history persist in a SQLite
store so one-shot commands and the long-running scheduler share state.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if skipsSetup(cmd) {
			return nil
		}

		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if dbPath != "" {
			cfg.Store.Path = dbPath
		} else if cfg.Store.Path == filepath.Join(config.DefaultDir, "vigil.db") {
			// Untouched default: a workspace database may carry a custom
			// name, so prefer whatever already lives in .vigil/.
			if discovered, err := storage.DiscoverDatabase(); err == nil {
				cfg.Store.Path = discovered
			}
		}

		s, err := storage.NewStorage(cmd.Context(), &storage.Config{Path: cfg.Store.Path})
		if err != nil {
			return fmt.Errorf("failed to open store %s: %w", cfg.Store.Path, err)
		}
		store = s
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			_ = store.Close()
			store = nil
		}
	},
}

// skipsSetup reports commands that must run without a loaded config or an
// open store. Doctor diagnoses config and store problems instead of dying
// on them; help and completion never touch either.
func skipsSetup(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "doctor", "help", "completion", "__complete", "__completeNoDesc":
		return true
	}
	if p := cmd.Parent(); p != nil && p.Name() == "completion" {
		return true
	}
	return false
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "Path to vigil.yaml")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Incident store path (overrides config)")
}

// newMonitor wires the cycle pipeline from the loaded config and open store
func newMonitor() (*monitor.Monitor, error) {
	prober := probe.New(cfg.Target, cfg.Probe)
	classifier := classify.New(cfg.Probe)
	return monitor.New(monitor.Deps{
		Store:         store,
		Prober:        prober,
		Classifier:    classifier,
		Diagnostician: oracle.New(cfg.Oracle),
		Repairer:      repair.New(cfg.Target, cfg.Repair, prober, classifier),
		Config:        cfg,
		Version:       version,
	})
}

// exit closes the store before terminating so WAL checkpoints land
func exit(code int) {
	if store != nil {
		_ = store.Close()
		store = nil
	}
	os.Exit(code)
}

// cycleExitCode maps a completed cycle onto the documented exit codes.
// The verdict after a repair counts, not the one that triggered it.
func cycleExitCode(result *monitor.CycleResult, oracleEnabled bool) int {
	verdict := result.Verdict
	if result.Outcome != nil && result.Outcome.VerdictAfter != "" {
		verdict = result.Outcome.VerdictAfter
	}

	switch {
	case result.CapExceeded:
		return exitCapExceeded
	case verdict == types.VerdictUnreachable || verdict == types.VerdictCrashed:
		return exitUnreachable
	case oracleEnabled && result.Diagnosis != nil && result.Diagnosis.Source == types.DiagnosisFallback:
		return exitOracleDown
	default:
		return exitOK
	}
}

// cycleErrExitCode maps RunCycle errors onto exit codes
func cycleErrExitCode(err error) int {
	if errors.Is(err, monitor.ErrCycleInFlight) {
		return exitCycleInFlight
	}
	return exitError
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(exitError)
	}
}
