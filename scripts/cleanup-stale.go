// scripts/cleanup-stale.go - Manual stale monitor instance cleanup tool
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/steveyegge/vigil/internal/config"
	"github.com/steveyegge/vigil/internal/storage"
)

func main() {
	ctx := context.Background()

	// Workspace default unless VIGIL_STORE_PATH points elsewhere
	cfg := storage.DefaultConfig()
	if dbPath := os.Getenv("VIGIL_STORE_PATH"); dbPath != "" {
		cfg.Path = dbPath
	}

	fmt.Printf("Connecting to store: %s\n", cfg.Path)

	store, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	// Same threshold the monitor's maintenance sweep applies
	instances, err := config.InstanceCleanupConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	staleThreshold := instances.StaleHeartbeat()

	fmt.Printf("Running cleanup (stale threshold: %s)...\n", staleThreshold)

	cleaned, err := store.CleanupStaleInstances(ctx, staleThreshold)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error during cleanup: %v\n", err)
		os.Exit(1)
	}

	if cleaned > 0 {
		fmt.Printf("✓ Cleaned up %d stale monitor instance(s)\n", cleaned)
	} else {
		fmt.Println("✓ No stale monitor instances found")
	}
}
