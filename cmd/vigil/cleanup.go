package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/vigil/internal/config"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Apply the retention policy to the incident store",
	Long: `Delete old rows from the incident store according to the retention
policy, then optionally reclaim the freed space.

The sweep runs four passes:
  1. Resolved incidents older than the retention period, with their events
  2. Oversize per-incident audit trails
  3. Excess cycle records beyond the global limit
  4. Stale and old stopped rows in the monitor instance registry

Open and unresolved incidents are never deleted. The policy comes from
the VIGIL_RETENTION_* and VIGIL_INSTANCE_* environment variables; the
running monitor applies the same policy on its own maintenance cadence,
so this command is for tuning runs and setups with the automatic sweep
disabled.

Exit codes:
  0 - cleanup complete
  1 - store error or invalid policy environment`,
	Run: func(cmd *cobra.Command, args []string) {
		vacuum, _ := cmd.Flags().GetBool("vacuum")

		// Batch deletes on a large store can run a while.
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
		defer cancel()

		retention, err := config.RetentionConfigFromEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintf(os.Stderr, "Check the VIGIL_RETENTION_* variables\n")
			exit(exitError)
		}
		instances, err := config.InstanceCleanupConfigFromEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintf(os.Stderr, "Check the VIGIL_INSTANCE_* variables\n")
			exit(exitError)
		}

		fmt.Printf("Retention policy:\n")
		fmt.Printf("  Resolved incidents: %d days\n", retention.RetentionDays)
		if retention.PerIncidentLimitEvents > 0 {
			fmt.Printf("  Events per incident: %d\n", retention.PerIncidentLimitEvents)
		} else {
			fmt.Printf("  Events per incident: unlimited\n")
		}
		fmt.Printf("  Cycle records: %s\n", formatNumber(retention.GlobalLimitCycles))
		fmt.Printf("  Batch size: %d rows/txn\n", retention.CleanupBatchSize)
		if instances.CleanupAge() > 0 {
			fmt.Printf("  Stopped instances: %s, keep %d\n", formatDuration(instances.CleanupAge()), instances.CleanupKeep)
		}
		fmt.Println()

		before, err := store.GetStoreCounts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to read store counts: %v\n", err)
			exit(exitError)
		}
		fmt.Printf("Current state:\n")
		fmt.Printf("  Incidents: %s (%s active)\n", formatNumber(before.TotalIncidents), formatNumber(before.ActiveIncidents))
		fmt.Printf("  Events: %s\n", formatNumber(before.TotalEvents))
		fmt.Printf("  Cycles: %s\n", formatNumber(before.TotalCycles))
		fmt.Println()

		start := time.Now()
		batch := retention.CleanupBatchSize
		total := 0

		fmt.Printf("Deleting resolved incidents older than %d days...\n", retention.RetentionDays)
		n, err := store.CleanupResolvedIncidents(ctx, retention.RetentionDays, batch)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: incident cleanup failed: %v\n", err)
			exit(exitError)
		}
		fmt.Printf("  %s row(s)\n", formatNumber(n))
		total += n

		if retention.PerIncidentLimitEvents > 0 {
			fmt.Printf("Trimming audit trails beyond %d events per incident...\n", retention.PerIncidentLimitEvents)
			n, err = store.CleanupEventsByIncidentLimit(ctx, retention.PerIncidentLimitEvents, batch)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: event cleanup failed: %v\n", err)
				exit(exitError)
			}
			fmt.Printf("  %s row(s)\n", formatNumber(n))
			total += n
		} else {
			fmt.Printf("Skipping audit trail trim (unlimited)\n")
		}

		fmt.Printf("Trimming cycle records beyond %s...\n", formatNumber(retention.GlobalLimitCycles))
		n, err = store.CleanupCyclesByGlobalLimit(ctx, retention.GlobalLimitCycles, batch)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cycle cleanup failed: %v\n", err)
			exit(exitError)
		}
		fmt.Printf("  %s row(s)\n", formatNumber(n))
		total += n

		stale, err := store.CleanupStaleInstances(ctx, instances.StaleHeartbeat())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: stale instance sweep failed: %v\n", err)
			exit(exitError)
		}
		if stale > 0 {
			fmt.Printf("Marked %d stale instance(s) stopped\n", stale)
		}
		if instances.CleanupAge() > 0 {
			n, err = store.DeleteOldStoppedInstances(ctx, instances.CleanupAge(), instances.CleanupKeep)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: instance cleanup failed: %v\n", err)
				exit(exitError)
			}
			fmt.Printf("Deleted %s old instance row(s)\n", formatNumber(n))
			total += n
		}

		after, afterErr := store.GetStoreCounts(ctx)

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("\n%s Cleanup complete\n", green("✓"))
		fmt.Printf("  Rows deleted: %s\n", formatNumber(total))
		if afterErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to read final counts: %v\n", afterErr)
		} else {
			fmt.Printf("  Remaining: %s incidents, %s events, %s cycles\n",
				formatNumber(after.TotalIncidents), formatNumber(after.TotalEvents), formatNumber(after.TotalCycles))
		}
		fmt.Printf("  Time taken: %s\n", time.Since(start).Round(time.Millisecond))

		if vacuum {
			fmt.Printf("\nRunning VACUUM to reclaim disk space...\n")
			if err := store.VacuumDatabase(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Error: VACUUM failed: %v\n", err)
				exit(exitError)
			}
			fmt.Printf("%s VACUUM complete\n", green("✓"))
		} else {
			fmt.Printf("\nNote: use --vacuum to reclaim disk space\n")
		}
		exit(exitOK)
	},
}

func init() {
	cleanupCmd.Flags().Bool("vacuum", false, "Run VACUUM after cleanup to reclaim disk space")
	rootCmd.AddCommand(cleanupCmd)
}

// formatNumber renders n with thousands separators.
func formatNumber(n int) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	s := strconv.Itoa(n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
