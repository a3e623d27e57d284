package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/vigil/internal/monitor"
	"github.com/steveyegge/vigil/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Run one monitoring cycle and show the verdict",
	Long: `Probe the service now, classify the reading, and print the verdict
together with any open incident and the monitor instance state.

This is a real cycle through the same pipeline the scheduler runs, so a
confirmed failure can open an incident and trigger a repair.

Exit codes:
  0 - service healthy
  1 - store or configuration error
  2 - service unreachable or crashed
  3 - diagnosis fell back while the oracle is enabled
  4 - repair attempt budget exhausted (incident unresolved)
  5 - another cycle is already running`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		m, err := newMonitor()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(exitError)
		}

		result, err := m.RunCycle(ctx, monitor.CycleOptions{Forced: true, Actor: "cli"})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(cycleErrExitCode(err))
		}

		printCycleReport(result)
		printMonitorInstances(ctx)

		exit(cycleExitCode(result, cfg.Oracle.Enabled))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// printCycleReport renders the verdict, snapshot, incident, and any repair
// outcome of one cycle. Shared by status and repair.
func printCycleReport(result *monitor.CycleResult) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan(fmt.Sprintf("=== %s ===", cfg.Target.Name)))
	fmt.Printf("  %s  %s\n", verdictBadge(result.Verdict), result.Snapshot.Summary())

	if result.Debounced {
		fmt.Printf("  %s first %s reading, the next cycle confirms or clears it\n", yellow("ℹ"), result.Verdict)
	}

	if inc := result.Incident; inc != nil {
		fmt.Println()
		fmt.Printf("  Incident #%d (%s)\n", inc.ID, statusBadge(inc.Status))
		fmt.Printf("    Opened:      %s (%s ago) on %s\n",
			inc.OpenedAt.Format("2006-01-02 15:04:05"),
			formatDuration(time.Since(inc.OpenedAt)),
			inc.OpeningVerdict)
		fmt.Printf("    Attempts:    %d/%d\n", inc.Attempts, cfg.Repair.MaxAttempts)
		if inc.LastAction != "" {
			fmt.Printf("    Last action: %s\n", inc.LastAction)
		}
		if d := inc.Diagnosis; d != nil {
			fmt.Printf("    Diagnosis:   %s (%s, confidence %.2f)\n", d.RootCause, d.Source, d.Confidence)
		}
		if inc.ClosedAt != nil {
			fmt.Printf("    Closed:      %s (%s)\n",
				inc.ClosedAt.Format("2006-01-02 15:04:05"), inc.FinalVerdict)
		}
	}

	if out := result.Outcome; out != nil {
		fmt.Println()
		if out.Success && out.VerdictAfter.IsHealthy() {
			fmt.Printf("  %s repair %s succeeded, service is %s\n", green("✓"), out.Action, out.VerdictAfter)
		} else if out.Success {
			fmt.Printf("  %s repair %s ran, service is still %s\n", yellow("⚠"), out.Action, out.VerdictAfter)
		} else {
			fmt.Printf("  %s repair %s failed: %s\n", red("✗"), out.Action, out.Error)
		}
	}
	if result.CapExceeded {
		fmt.Printf("  %s attempt budget spent, automatic repair is suppressed (run 'vigil repair' to retry)\n", red("✗"))
	}
	fmt.Println()
}

// printMonitorInstances shows whether a scheduler process is running
func printMonitorInstances(ctx context.Context) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("%s\n", yellow("Monitor:"))

	instances, err := store.GetActiveInstances(ctx)
	if err != nil {
		fmt.Printf("  %s cannot read instances: %v\n", yellow("⚠"), err)
		fmt.Println()
		return
	}
	if len(instances) == 0 {
		fmt.Printf("  %s\n", gray("not running (start with 'vigil start')"))
		fmt.Println()
		return
	}

	for _, inst := range instances {
		stale := time.Since(inst.LastHeartbeat) > 2*cfg.Monitor.HeartbeatInterval
		icon := green("●")
		if stale {
			icon = yellow("⚠")
		}
		fmt.Printf("  %s running on %s (PID %d)\n", icon, inst.Hostname, inst.PID)
		fmt.Printf("    Instance:  %s\n", inst.InstanceID)
		fmt.Printf("    Started:   %s (%s ago)\n",
			inst.StartedAt.Format("2006-01-02 15:04:05"),
			formatDuration(time.Since(inst.StartedAt)))
		fmt.Printf("    Heartbeat: %s ago\n", formatDuration(time.Since(inst.LastHeartbeat)))
		if stale {
			fmt.Printf("    %s\n", yellow("heartbeat stale, the process may have died"))
		}
	}
	fmt.Println()
}

// verdictBadge renders a verdict with its glyph and color
func verdictBadge(v types.Verdict) string {
	switch v {
	case types.VerdictHealthy:
		return color.New(color.FgGreen).Sprintf("✓ %s", v)
	case types.VerdictDegraded:
		return color.New(color.FgYellow).Sprintf("⚠ %s", v)
	default:
		return color.New(color.FgRed).Sprintf("✗ %s", v)
	}
}

// statusBadge renders an incident status in its color
func statusBadge(s types.IncidentStatus) string {
	switch s {
	case types.IncidentResolved:
		return color.New(color.FgGreen).Sprint(string(s))
	case types.IncidentUnresolved:
		return color.New(color.FgRed).Sprint(string(s))
	default:
		return color.New(color.FgYellow).Sprint(string(s))
	}
}

// formatDuration renders a duration compactly for report output.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%.1fd", d.Hours()/24)
	}
}
