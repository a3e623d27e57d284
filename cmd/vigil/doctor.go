package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/steveyegge/vigil/internal/config"
	"github.com/steveyegge/vigil/internal/probe"
	"github.com/steveyegge/vigil/internal/storage"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check vigil configuration and environment health",
	Long: `Run health checks to diagnose common vigil configuration and
environment issues.

This command checks for:
- Config file readability and validity
- Incident store accessibility and corruption
- Workspace alignment and monitor lock state
- Health endpoint URL shape
- Service reachability and minimum version
- Oracle credentials (ANTHROPIC_API_KEY)
- Service log and pid file access

Exit codes:
  0 - All checks passed
  1 - One or more checks failed (but not critical)
  2 - Critical failures that prevent vigil from running`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		fixIssues, _ := cmd.Flags().GetBool("fix")
		runDoctor(cmd.Context(), verbose, fixIssues)
	},
}

func init() {
	doctorCmd.Flags().BoolP("verbose", "v", false, "Show detailed diagnostic information")
	doctorCmd.Flags().Bool("fix", false, "Write a starter config file when none exists")
	rootCmd.AddCommand(doctorCmd)
}

// runDoctor executes the check sequence and exits with the summary code.
// Doctor loads config and opens the store itself so it can diagnose the
// failures the other commands die on.
func runDoctor(ctx context.Context, verbose, fixIssues bool) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	fmt.Printf("Running vigil health checks...\n\n")

	var criticalFailures []string
	var failures []string
	var warnings []string

	// Check 1: Configuration
	fmt.Printf("%s Configuration\n", cyan("→"))
	if _, err := os.Stat(configPath); err != nil {
		warnings = append(warnings, fmt.Sprintf("No config file at %s (using defaults)", configPath))
		fmt.Printf("  %s No config file at %s, using defaults\n", yellow("⚠"), configPath)
		if fixIssues {
			if err := config.SaveDefaultConfig(configPath); err != nil {
				fmt.Printf("    %s Failed to write starter config: %v\n", red("✗"), err)
			} else {
				fmt.Printf("    %s Wrote starter config to %s\n", green("✓"), configPath)
				warnings = warnings[:len(warnings)-1]
			}
		}
	} else {
		fmt.Printf("  %s Config file found: %s\n", green("✓"), configPath)
	}

	loaded, err := config.LoadConfig(configPath)
	if err != nil {
		criticalFailures = append(criticalFailures, fmt.Sprintf("Config invalid: %v", err))
		fmt.Printf("  %s Config does not load\n", red("✗"))
		if verbose {
			fmt.Printf("    Error: %v\n", err)
		}
		loaded = config.DefaultConfig()
	} else {
		fmt.Printf("  %s Config loads and validates\n", green("✓"))
	}
	cfg = loaded
	if dbPath != "" {
		cfg.Store.Path = dbPath
	} else if cfg.Store.Path == filepath.Join(config.DefaultDir, "vigil.db") {
		// The same fallback the other commands apply, so doctor examines
		// the store they would actually open.
		if discovered, err := storage.DiscoverDatabase(); err == nil {
			cfg.Store.Path = discovered
		}
	}

	// Check 2: Incident store
	fmt.Printf("%s Incident store\n", cyan("→"))
	if info, err := os.Stat(cfg.Store.Path); err != nil {
		fmt.Printf("  %s Store does not exist yet (created on first run): %s\n", green("✓"), cfg.Store.Path)
		if fixIssues {
			if root, err := storage.GetWorkspaceRoot(cfg.Store.Path); err == nil {
				if prepared, err := storage.InitWorkspace(root, filepath.Base(cfg.Store.Path)); err == nil {
					fmt.Printf("    %s Prepared workspace for %s\n", green("✓"), prepared)
				}
			}
		}
	} else {
		fmt.Printf("  %s Store file accessible (%d bytes)\n", green("✓"), info.Size())

		s, err := storage.NewStorage(ctx, &storage.Config{Path: cfg.Store.Path})
		if err != nil {
			criticalFailures = append(criticalFailures, fmt.Sprintf("Cannot open store: %v", err))
			fmt.Printf("  %s Cannot open store\n", red("✗"))
			if verbose {
				fmt.Printf("    Error: %v\n", err)
			}
		} else {
			counts, err := s.GetStoreCounts(ctx)
			if err != nil {
				criticalFailures = append(criticalFailures, fmt.Sprintf("Store unreadable or corrupt: %v", err))
				fmt.Printf("  %s Store unreadable or corrupt\n", red("✗"))
				if verbose {
					fmt.Printf("    Error: %v\n", err)
				}
			} else {
				fmt.Printf("  %s Store readable: %d incidents, %d cycles\n",
					green("✓"), counts.TotalIncidents, counts.TotalCycles)
				if verbose {
					for verdict, n := range counts.CyclesByVerdict {
						fmt.Printf("    %s: %d\n", verdict, n)
					}
				}
			}
			if _, err := os.Stat(cfg.Store.Path + "-wal"); err == nil {
				fmt.Printf("  %s WAL mode active\n", green("✓"))
			}
			_ = s.Close()
		}
	}

	// Check 3: Workspace
	if root, err := storage.GetWorkspaceRoot(cfg.Store.Path); err == nil {
		fmt.Printf("%s Workspace\n", cyan("→"))
		fmt.Printf("  %s Workspace root: %s\n", green("✓"), root)

		cwd, _ := os.Getwd()
		if err := storage.ValidateAlignment(cfg.Store.Path, cwd); err != nil {
			failures = append(failures, "Store belongs to a different workspace than the working directory")
			fmt.Printf("  %s Working directory is outside the workspace\n", red("✗"))
			if verbose {
				fmt.Printf("    Error: %v\n", err)
			}
		} else {
			fmt.Printf("  %s Working directory inside the workspace\n", green("✓"))
		}

		if lock, err := storage.ReadMonitorLock(cfg.Store.Path); err == nil && lock != nil {
			hostname, _ := os.Hostname()
			if lock.Hostname == hostname && !probe.ProcessExists(lock.PID) {
				warnings = append(warnings, fmt.Sprintf("Stale monitor lock (PID %d is gone); next 'vigil start' reclaims it", lock.PID))
				fmt.Printf("  %s Stale monitor lock held by dead PID %d\n", yellow("⚠"), lock.PID)
			} else {
				fmt.Printf("  %s Monitor running (PID %d on %s since %s)\n",
					green("✓"), lock.PID, lock.Hostname, lock.StartedAt.Format("2006-01-02 15:04:05"))
			}
		}
	}

	// Check 4: Health endpoint URL
	fmt.Printf("%s Health endpoint\n", cyan("→"))
	parsed, err := url.Parse(cfg.Target.HealthURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		criticalFailures = append(criticalFailures, fmt.Sprintf("Health URL %q is not a usable http(s) URL", cfg.Target.HealthURL))
		fmt.Printf("  %s Health URL is malformed: %s\n", red("✗"), cfg.Target.HealthURL)
	} else {
		fmt.Printf("  %s Health URL well-formed: %s\n", green("✓"), cfg.Target.HealthURL)

		// Check 5: Live probe and version. An unhealthy service is what
		// vigil exists to handle, so no response is only a warning here.
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		snap, probeErr := probe.New(cfg.Target, cfg.Probe).Check(probeCtx)
		cancel()
		if probeErr != nil {
			warnings = append(warnings, fmt.Sprintf("Probe aborted: %v", probeErr))
			fmt.Printf("  %s Probe aborted: %v\n", yellow("⚠"), probeErr)
		} else if snap.Reachable() {
			fmt.Printf("  %s Service responding: %s\n", green("✓"), snap.Summary())

			if snap.ServiceVersion != "" || cfg.Target.MinVersion != "" {
				if err := checkMinVersion(snap.ServiceVersion, cfg.Target.MinVersion); err != nil {
					failures = append(failures, fmt.Sprintf("Service version: %v", err))
					fmt.Printf("  %s %v\n", red("✗"), err)
				} else if cfg.Target.MinVersion != "" {
					fmt.Printf("  %s Service version %s meets minimum %s\n",
						green("✓"), snap.ServiceVersion, cfg.Target.MinVersion)
				} else if verbose {
					fmt.Printf("  %s Service version %s (no minimum configured)\n",
						green("✓"), snap.ServiceVersion)
				}
			}
		} else {
			warnings = append(warnings, "Service not responding (vigil will open an incident once started)")
			fmt.Printf("  %s Service not responding: %s\n", yellow("⚠"), snap.Summary())
		}
	}

	// Check 6: Oracle credentials
	fmt.Printf("%s Oracle\n", cyan("→"))
	if !cfg.Oracle.Enabled {
		gray := color.New(color.FgHiBlack).SprintFunc()
		fmt.Printf("  %s\n", gray("Oracle disabled, diagnoses come from the rule engine"))
	} else if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey == "" {
		failures = append(failures, "ANTHROPIC_API_KEY not set (diagnoses will fall back to the rule engine)")
		fmt.Printf("  %s ANTHROPIC_API_KEY not set\n", red("✗"))
		fmt.Printf("    Diagnoses will fall back to the rule engine\n")
	} else {
		fmt.Printf("  %s ANTHROPIC_API_KEY is set\n", green("✓"))
		if verbose && len(apiKey) > 14 {
			fmt.Printf("    Key: %s...%s\n", apiKey[:10], apiKey[len(apiKey)-4:])
		}
	}

	// Check 7: Service log and pid file
	fmt.Printf("%s Service files\n", cyan("→"))
	if cfg.Target.LogPath == "" {
		gray := color.New(color.FgHiBlack).SprintFunc()
		fmt.Printf("  %s\n", gray("No log path configured, sweeps skip the log tail"))
	} else if info, err := os.Stat(cfg.Target.LogPath); err != nil {
		warnings = append(warnings, fmt.Sprintf("Service log not readable: %v", err))
		fmt.Printf("  %s Service log not readable: %s\n", yellow("⚠"), cfg.Target.LogPath)
	} else {
		fmt.Printf("  %s Service log readable (%d bytes)\n", green("✓"), info.Size())
	}

	if cfg.Target.PIDFile != "" {
		if pid, err := probe.ReadPIDFile(cfg.Target.PIDFile); err != nil {
			warnings = append(warnings, fmt.Sprintf("PID file not readable: %v", err))
			fmt.Printf("  %s PID file not readable: %s\n", yellow("⚠"), cfg.Target.PIDFile)
		} else if probe.ProcessExists(pid) {
			fmt.Printf("  %s Service process alive (pid %d)\n", green("✓"), pid)
		} else {
			warnings = append(warnings, fmt.Sprintf("PID file points at dead process %d", pid))
			fmt.Printf("  %s PID file points at dead process %d\n", yellow("⚠"), pid)
		}
	}

	// Summary
	fmt.Printf("\n%s\n", strings.Repeat("─", 60))

	totalIssues := len(criticalFailures) + len(failures) + len(warnings)
	if totalIssues == 0 {
		fmt.Printf("%s All checks passed! vigil is ready to run.\n", green("✓"))
		exit(exitOK)
	}

	if len(criticalFailures) > 0 {
		fmt.Printf("\n%s Critical failures (%d):\n", red("✗"), len(criticalFailures))
		for _, failure := range criticalFailures {
			fmt.Printf("  • %s\n", failure)
		}
	}
	if len(failures) > 0 {
		fmt.Printf("\n%s Failures (%d):\n", red("✗"), len(failures))
		for _, failure := range failures {
			fmt.Printf("  • %s\n", failure)
		}
	}
	if len(warnings) > 0 {
		fmt.Printf("\n%s Warnings (%d):\n", yellow("⚠"), len(warnings))
		for _, warning := range warnings {
			fmt.Printf("  • %s\n", warning)
		}
	}

	if len(criticalFailures) > 0 {
		fmt.Printf("\n%s vigil cannot run until critical issues are resolved.\n", red("✗"))
		exit(2)
	}
	if len(failures) > 0 {
		fmt.Printf("\n%s vigil may not work correctly. Please address the failures above.\n", yellow("⚠"))
		exit(1)
	}

	fmt.Printf("\n%s vigil should work, but some warnings were detected.\n", green("✓"))
	exit(exitOK)
}

// checkMinVersion compares the version the service reported against the
// configured minimum. Both are bare semver strings like "1.4.0".
func checkMinVersion(current, min string) error {
	if min == "" {
		return nil
	}
	if current == "" {
		return fmt.Errorf("service did not report a version (need >= %s)", min)
	}

	cv := "v" + strings.TrimPrefix(current, "v")
	mv := "v" + strings.TrimPrefix(min, "v")
	if !semver.IsValid(cv) {
		return fmt.Errorf("service version %q is not a semantic version", current)
	}
	if !semver.IsValid(mv) {
		return fmt.Errorf("min_version %q is not a semantic version", min)
	}
	if semver.Compare(cv, mv) < 0 {
		return fmt.Errorf("service version %s is below the required minimum %s", current, min)
	}
	return nil
}
