// Package console implements the interactive operator console: a readline
// loop over the same operations the CLI exposes one-shot (status, repair,
// logs, incidents). Commands drive cycles through the monitor so the
// single-flight gate and audit trail apply exactly as they do for the
// scheduler.
package console

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/steveyegge/vigil/internal/monitor"
	"github.com/steveyegge/vigil/internal/storage"
)

// CycleRunner runs one monitoring cycle on demand. *monitor.Monitor
// satisfies it; tests substitute a fake.
type CycleRunner interface {
	RunCycle(ctx context.Context, opts monitor.CycleOptions) (*monitor.CycleResult, error)
}

// Console provides an interactive command loop
type Console struct {
	store    storage.Storage
	runner   CycleRunner
	rl       *readline.Instance
	ctx      context.Context
	actor    string
	commands map[string]CommandHandler
}

// CommandHandler processes a console command
type CommandHandler func(args []string) error

// Config holds console configuration
type Config struct {
	Store  storage.Storage
	Runner CycleRunner
	Actor  string
}

// New creates a new console instance
func New(cfg Config) (*Console, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("cycle runner is required")
	}

	actor := cfg.Actor
	if actor == "" {
		actor = "console"
	}

	c := &Console{
		store:    cfg.Store,
		runner:   cfg.Runner,
		actor:    actor,
		commands: make(map[string]CommandHandler),
	}
	c.registerCommands()
	return c, nil
}

// Run starts the console loop
func (c *Console) Run(ctx context.Context) error {
	c.ctx = ctx

	cyan := color.New(color.FgCyan).SprintFunc()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan("vigil> "),
		HistoryFile:       "",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()
	c.rl = rl

	c.printWelcome()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			fmt.Println("Goodbye!")
			return nil
		} else if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.processInput(line); err != nil {
			if err == io.EOF {
				return nil
			}
			red := color.New(color.FgRed).SprintFunc()
			fmt.Printf("%s %v\n", red("Error:"), err)
		}
	}
}

// processInput parses and dispatches a command
func (c *Console) processInput(input string) error {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	cmd := parts[0]
	args := parts[1:]

	handler, ok := c.commands[cmd]
	if !ok {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("%s Unknown command: %s (try 'help')\n", yellow("Note:"), cmd)
		return nil
	}

	return handler(args)
}

// registerCommands sets up command handlers
func (c *Console) registerCommands() {
	c.commands["status"] = c.cmdStatus
	c.commands["repair"] = c.cmdRepair
	c.commands["logs"] = c.cmdLogs
	c.commands["incidents"] = c.cmdIncidents
	c.commands["help"] = c.cmdHelp
	c.commands["?"] = c.cmdHelp
	c.commands["exit"] = c.cmdExit
	c.commands["quit"] = c.cmdExit
}

// printWelcome shows the welcome banner
func (c *Console) printWelcome() {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Println(cyan("vigil - service health console"))
	fmt.Println("Type 'help' for available commands")
	fmt.Println()
}

// cmdHelp shows available commands
func (c *Console) cmdHelp(args []string) error {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("Available Commands"))

	commands := []struct {
		name string
		desc string
	}{
		{"status", "probe the service now and show the verdict"},
		{"repair [action]", "force a repair cycle, reopening an exhausted incident"},
		{"logs [n]", "show recent monitoring cycles"},
		{"incidents [id]", "list incidents, or show one with its audit trail"},
		{"help", "show this help"},
		{"exit", "leave the console"},
	}

	for _, cmd := range commands {
		fmt.Printf("  %s  %s\n", green(fmt.Sprintf("%-16s", cmd.name)), cmd.desc)
	}
	fmt.Println()

	return nil
}

// cmdExit exits the console
func (c *Console) cmdExit(args []string) error {
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s Goodbye!\n", green("✓"))
	if c.rl != nil {
		c.rl.Close()
	}
	// io.EOF tells the Run loop to stop without reporting an error
	return io.EOF
}
