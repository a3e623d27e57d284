package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/vigil/internal/probe"
	"github.com/steveyegge/vigil/internal/types"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Gracefully stop the running monitor",
	Long: `Stop the running monitor process gracefully.

The instance registry in the store names the running monitor. Stopping
sends it SIGINT, waits up to the timeout for a clean exit, then falls
back to SIGKILL and marks the instance stopped.

Example:
  $ vigil stop
  → Monitor instance 3f1c92d4
  Sending SIGINT...
  ✓ Monitor stopped`,
	Run: func(cmd *cobra.Command, args []string) {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		force, _ := cmd.Flags().GetBool("force")

		if err := stopMonitor(cmd.Context(), timeout, force); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(exitError)
		}
	},
}

func init() {
	stopCmd.Flags().Duration("timeout", 30*time.Second, "Graceful shutdown window before SIGKILL")
	stopCmd.Flags().Bool("force", false, "Skip SIGINT and kill the monitor immediately")
	rootCmd.AddCommand(stopCmd)
}

// stopMonitor finds and stops running monitor instances
func stopMonitor(ctx context.Context, timeout time.Duration, force bool) error {
	instances, err := store.GetActiveInstances(ctx)
	if err != nil {
		return fmt.Errorf("failed to query active instances: %w", err)
	}

	if len(instances) == 0 {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("%s No running monitor found\n", yellow("ℹ"))
		return nil
	}

	// More than one running instance means the startup guard was bypassed
	if len(instances) > 1 {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("%s Found %d running monitors (unusual, will stop all)\n", yellow("⚠"), len(instances))
	}

	for _, inst := range instances {
		if err := stopInstance(ctx, inst, timeout, force); err != nil {
			return fmt.Errorf("failed to stop instance %s: %w", inst.InstanceID, err)
		}
	}
	return nil
}

// stopInstance stops a single monitor instance
func stopInstance(ctx context.Context, inst *types.MonitorInstance, timeout time.Duration, force bool) error {
	cyan := color.New(color.FgCyan).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Printf("\n%s Monitor instance %s\n", cyan("→"), shortID(inst.InstanceID))
	fmt.Printf("  PID:     %d on %s\n", inst.PID, inst.Hostname)
	fmt.Printf("  Uptime:  %s\n", formatDuration(time.Since(inst.StartedAt)))

	if !probe.ProcessExists(inst.PID) {
		fmt.Printf("%s Process not running (stale store entry)\n", yellow("⚠"))
		if err := store.MarkInstanceStopped(ctx, inst.InstanceID); err != nil {
			return fmt.Errorf("failed to mark instance stopped: %w", err)
		}
		fmt.Printf("%s Store entry cleaned up\n", green("✓"))
		return nil
	}

	if force {
		fmt.Println("Sending SIGKILL...")
		if err := syscall.Kill(inst.PID, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to send SIGKILL: %w", err)
		}
	} else {
		fmt.Println("Sending SIGINT...")
		if err := syscall.Kill(inst.PID, syscall.SIGINT); err != nil {
			return fmt.Errorf("failed to send SIGINT: %w", err)
		}
	}

	if err := probe.WaitForProcessExit(inst.PID, timeout); err != nil {
		fmt.Printf("%s No exit after %s, sending SIGKILL...\n", yellow("⚠"), timeout)
		if killErr := syscall.Kill(inst.PID, syscall.SIGKILL); killErr != nil {
			return fmt.Errorf("failed to send SIGKILL after timeout: %w", killErr)
		}
		if waitErr := probe.WaitForProcessExit(inst.PID, 5*time.Second); waitErr != nil {
			return fmt.Errorf("process did not exit even after SIGKILL: %w", waitErr)
		}
	}

	// The monitor marks itself stopped on SIGINT; this covers SIGKILL
	if err := store.MarkInstanceStopped(ctx, inst.InstanceID); err != nil {
		return fmt.Errorf("failed to mark instance stopped: %w", err)
	}

	fmt.Printf("%s Monitor stopped\n", green("✓"))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
