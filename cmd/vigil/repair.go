package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/vigil/internal/monitor"
	"github.com/steveyegge/vigil/internal/types"
)

var repairActionFlag string

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Force a repair cycle, bypassing the debounce",
	Long: `Run a cycle that opens an incident on the first non-healthy reading
and attempts a repair immediately.

An unresolved incident (attempt budget spent) is reopened first with a
fresh budget; the reopen lands in the audit trail. The repair action
comes from a fresh diagnosis unless --action pins one.

Whitelisted actions: restart, clear_lock, rotate_logs, reload_config, noop.

Exit codes:
  0 - service healthy after the cycle
  1 - store or configuration error
  2 - service still unreachable or crashed
  3 - diagnosis fell back while the oracle is enabled
  4 - repair attempt budget exhausted (incident unresolved)
  5 - another cycle is already running`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		var action types.RepairAction
		if repairActionFlag != "" {
			parsed, ok := types.ParseRepairAction(repairActionFlag)
			if !ok {
				fmt.Fprintf(os.Stderr, "Error: unknown action %q (valid: %s)\n",
					repairActionFlag, strings.Join(actionNames(), ", "))
				exit(exitError)
			}
			action = parsed
		}

		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()

		open, err := store.GetOpenIncident(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to check open incident: %v\n", err)
			exit(exitError)
		}
		if open != nil && open.Status == types.IncidentUnresolved {
			if err := store.ReopenIncident(ctx, open.ID, "cli"); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to reopen incident %d: %v\n", open.ID, err)
				exit(exitError)
			}
			fmt.Printf("%s incident #%d reopened, attempt budget reset\n", yellow("ℹ"), open.ID)
		}

		m, err := newMonitor()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(exitError)
		}

		result, err := m.RunCycle(ctx, monitor.CycleOptions{
			Forced:         true,
			BypassDebounce: true,
			Action:         action,
			Actor:          "cli",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(cycleErrExitCode(err))
		}

		if result.Verdict.IsHealthy() && result.Outcome == nil {
			fmt.Printf("%s service is healthy, nothing to repair\n", green("✓"))
			exit(exitOK)
		}

		printCycleReport(result)
		exit(cycleExitCode(result, cfg.Oracle.Enabled))
	},
}

func init() {
	repairCmd.Flags().StringVar(&repairActionFlag, "action", "", "Pin a whitelisted repair action instead of diagnosing")
	rootCmd.AddCommand(repairCmd)
}

func actionNames() []string {
	actions := types.AllRepairActions()
	names := make([]string, 0, len(actions))
	for _, a := range actions {
		names = append(names, string(a))
	}
	return names
}
