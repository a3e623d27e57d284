package probe

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ReadPIDFile reads and parses a pid file.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d in %s", pid, path)
	}
	return pid, nil
}

// ProcessExists reports whether a process with the given pid is running.
// Signal 0 probes for existence without delivering anything.
func ProcessExists(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// exitPollInterval is how often WaitForProcessExit rechecks the pid.
const exitPollInterval = 100 * time.Millisecond

// WaitForProcessExit polls until the process is gone or the timeout lapses.
func WaitForProcessExit(pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !ProcessExists(pid) {
			return nil
		}
		time.Sleep(exitPollInterval)
	}
	return fmt.Errorf("timeout waiting for process %d to exit", pid)
}
