package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// MonitorLock represents the lock file format the monitor writes to claim
// exclusive ownership of a workspace. At most one monitor loop may run per
// database; a second monitor refuses to start while a live lock is present.
type MonitorLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// AcquireMonitorLock creates the lock file in the .vigil directory. The
// returned path is what ReleaseMonitorLock takes on shutdown.
func AcquireMonitorLock(dbPath, version string) (lockPath string, err error) {
	workspaceRoot, err := GetWorkspaceRoot(dbPath)
	if err != nil {
		return "", fmt.Errorf("invalid database path: %w", err)
	}

	lockPath = filepath.Join(workspaceRoot, ".vigil", ".monitor-lock")

	// Only a live holder blocks acquisition. An unreadable or stale lock
	// is overwritten.
	if data, err := os.ReadFile(lockPath); err == nil {
		var existingLock MonitorLock
		if json.Unmarshal(data, &existingLock) == nil {
			if isProcessAlive(existingLock.PID, existingLock.Hostname) {
				return "", fmt.Errorf("another vigil monitor is already running (PID %d on %s, started %s)",
					existingLock.PID, existingLock.Hostname, existingLock.StartedAt.Format(time.RFC3339))
			}
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	lock := MonitorLock{
		Holder:    "vigil-monitor",
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Version:   version,
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to create monitor lock: %w", err)
	}

	return lockPath, nil
}

// ReleaseMonitorLock removes the lock file. A missing file is not an
// error, so releasing twice is safe.
func ReleaseMonitorLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}

	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove monitor lock: %w", err)
	}

	return nil
}

// ReadMonitorLock returns the current lock contents, or nil when no lock
// file exists. Used by status reporting to show who holds the workspace.
func ReadMonitorLock(dbPath string) (*MonitorLock, error) {
	workspaceRoot, err := GetWorkspaceRoot(dbPath)
	if err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	lockPath := filepath.Join(workspaceRoot, ".vigil", ".monitor-lock")
	data, err := os.ReadFile(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read monitor lock: %w", err)
	}

	var lock MonitorLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse monitor lock: %w", err)
	}

	return &lock, nil
}

// isProcessAlive reports whether the lock holder's process still exists.
// Liveness is only checkable for local holders; anything that cannot be
// verified counts as alive so a reachable lock is never stolen.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}

	// Hostnames compare case-insensitively; a holder on another machine
	// cannot be signaled from here.
	if !strings.EqualFold(hostname, currentHost) {
		return true
	}

	// Signal 0 probes for existence without delivering anything.
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}

	// EPERM means the process exists but belongs to another user.
	if err == syscall.EPERM {
		return true
	}

	return false
}
