package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/vigil/internal/types"
)

var (
	logsCount         int
	logsIncidentsOnly bool
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent incidents and cycle records",
	Long: `Print recent monitoring history from the store: incident records
first, then the rolling per-cycle log.

Incidents that are still open or unresolved include their audit trail;
resolved ones show as single lines. Use --incidents-only to skip the
cycle log.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := printLogs(cmd.Context(), logsCount, logsIncidentsOnly); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(exitError)
		}
	},
}

func init() {
	logsCmd.Flags().IntVarP(&logsCount, "count", "n", 20, "How many rows of each kind to show")
	logsCmd.Flags().BoolVar(&logsIncidentsOnly, "incidents-only", false, "Show only incident records")
	rootCmd.AddCommand(logsCmd)
}

// printLogs renders incidents then cycles, newest first
func printLogs(ctx context.Context, limit int, incidentsOnly bool) error {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	incidents, err := store.RecentIncidents(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to load incidents: %w", err)
	}

	fmt.Printf("\n%s\n\n", cyan("Incidents"))
	if len(incidents) == 0 {
		fmt.Printf("  %s\n", gray("none recorded"))
	}
	for _, inc := range incidents {
		fmt.Printf("  #%-4d %s  opened %s  %-11s  attempts %d",
			inc.ID,
			statusBadge(inc.Status),
			inc.OpenedAt.Format("2006-01-02 15:04:05"),
			inc.OpeningVerdict,
			inc.Attempts)
		if inc.LastAction != "" {
			fmt.Printf("  last %s", inc.LastAction)
		}
		fmt.Println()

		// The trail matters while the incident still demands attention
		if inc.IsOpen() {
			events, err := store.GetIncidentEvents(ctx, inc.ID, 0)
			if err != nil {
				return fmt.Errorf("failed to load events for incident %d: %w", inc.ID, err)
			}
			for _, ev := range events {
				fmt.Printf("    %s  %-17s %-8s %s\n",
					ev.CreatedAt.Format("15:04:05"), ev.Kind, ev.Actor, ev.Message)
			}
		}
	}
	fmt.Println()

	if incidentsOnly {
		return nil
	}

	cycles, err := store.RecentCycles(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to load cycles: %w", err)
	}

	fmt.Printf("%s\n\n", cyan("Cycles"))
	if len(cycles) == 0 {
		fmt.Printf("  %s\n", gray("none recorded"))
	}
	for _, rec := range cycles {
		verdict := verdictColorFunc(rec.Verdict)(fmt.Sprintf("%-11s", rec.Verdict))
		probe := "no response"
		if rec.HTTPStatus > 0 {
			probe = fmt.Sprintf("HTTP %d %4dms", rec.HTTPStatus, rec.LatencyMS)
		}
		fmt.Printf("  %s  %s  %-16s", rec.Timestamp.Format("2006-01-02 15:04:05"), verdict, probe)
		if rec.IncidentID != nil {
			fmt.Printf("  incident #%d", *rec.IncidentID)
		}
		if rec.Note != "" {
			fmt.Printf("  %s", rec.Note)
		}
		if rec.Forced {
			fmt.Printf("  %s", gray("(forced)"))
		}
		fmt.Println()
	}
	fmt.Println()

	return nil
}

// verdictColorFunc picks the display color for a verdict
func verdictColorFunc(v types.Verdict) func(a ...interface{}) string {
	switch v {
	case types.VerdictHealthy:
		return color.New(color.FgGreen).SprintFunc()
	case types.VerdictDegraded:
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgRed).SprintFunc()
	}
}
