package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/vigil/internal/console"
	"github.com/steveyegge/vigil/internal/storage"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Start an interactive operator console",
	Long: `Start an interactive console for inspecting and repairing the service.

Commands: status, repair [action], logs [n], incidents [id], help, exit.

Console cycles run through the same single-flight gate as the scheduled
monitor, so a console repair never races a scheduled one and every action
lands in the incident audit trail.`,
	Run: func(cmd *cobra.Command, args []string) {
		// Repairs run shell commands relative to the working directory, so
		// a workspace store must belong to the directory the console sits
		// in. Stores outside a .vigil/ workspace are exempt.
		if _, err := storage.GetWorkspaceRoot(cfg.Store.Path); err == nil {
			cwd, _ := os.Getwd()
			if err := storage.ValidateAlignment(cfg.Store.Path, cwd); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				exit(exitError)
			}
		}

		m, err := newMonitor()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(exitError)
		}

		c, err := console.New(console.Config{
			Store:  store,
			Runner: m,
			Actor:  "console",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(exitError)
		}

		if err := c.Run(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(exitError)
		}
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}
