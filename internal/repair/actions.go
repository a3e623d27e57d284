package repair

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/steveyegge/vigil/internal/probe"
	"github.com/steveyegge/vigil/internal/types"
)

const (
	// stopGraceTimeout is how long a signalled process gets to exit before
	// escalation to SIGKILL.
	stopGraceTimeout = 10 * time.Second

	// killWaitTimeout bounds the wait after SIGKILL.
	killWaitTimeout = 5 * time.Second
)

// execute dispatches one whitelisted action and captures what happened.
func (r *Repairer) execute(ctx context.Context, action types.RepairAction) *types.RepairOutcome {
	var (
		output string
		err    error
	)
	switch action {
	case types.ActionRestart:
		output, err = r.restart(ctx)
	case types.ActionClearLock:
		output, err = r.clearLock()
	case types.ActionRotateLogs:
		output, err = r.rotateLogs()
	case types.ActionReloadConfig:
		output, err = r.reloadConfig(ctx)
	case types.ActionNoOp:
		output = "no action taken"
	}

	outcome := &types.RepairOutcome{
		Action:  action,
		Success: err == nil,
		Output:  strings.TrimSpace(output),
	}
	if err != nil {
		outcome.Error = err.Error()
	}
	return outcome
}

// runShell executes a shell command bounded by the configured command
// timeout, capturing combined stdout and stderr.
func (r *Repairer) runShell(ctx context.Context, cmdString string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", cmdString)
	output, err := cmd.CombinedOutput()
	if cmdCtx.Err() == context.DeadlineExceeded {
		return string(output), fmt.Errorf("command timed out after %s", r.cfg.CommandTimeout)
	}
	if err != nil {
		return string(output), fmt.Errorf("command failed: %w", err)
	}
	return string(output), nil
}

// restart stops the service then starts it again. Stop failures are
// tolerated, the usual reason for a restart being that the process is
// already gone; start failures are not.
func (r *Repairer) restart(ctx context.Context) (string, error) {
	// Refuse up front rather than stop a service we cannot start again
	if r.target.StartCmd == "" {
		return "", fmt.Errorf("no start command configured")
	}

	var b strings.Builder
	stopOut, err := r.stopService(ctx)
	b.WriteString(stopOut)
	if err != nil {
		fmt.Fprintf(&b, "stop failed: %v (continuing to start)\n", err)
	}

	startOut, err := r.runShell(ctx, r.target.StartCmd)
	b.WriteString(startOut)
	if err != nil {
		return b.String(), fmt.Errorf("start: %w", err)
	}
	return b.String(), nil
}

// stopService runs StopCmd when configured, otherwise signals the pid from
// PIDFile with SIGTERM and escalates to SIGKILL after the grace window. A
// process that is already gone counts as stopped.
func (r *Repairer) stopService(ctx context.Context) (string, error) {
	if r.target.StopCmd != "" {
		return r.runShell(ctx, r.target.StopCmd)
	}
	if r.target.PIDFile == "" {
		return "no stop command or pid file configured, skipping stop\n", nil
	}

	pid, err := probe.ReadPIDFile(r.target.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "no pid file, process assumed stopped\n", nil
		}
		return "", fmt.Errorf("read pid file: %w", err)
	}
	if !probe.ProcessExists(pid) {
		return fmt.Sprintf("process %d already stopped\n", pid), nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return "", fmt.Errorf("signal process %d: %w", pid, err)
	}
	if err := probe.WaitForProcessExit(pid, stopGraceTimeout); err == nil {
		return fmt.Sprintf("process %d stopped\n", pid), nil
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		return "", fmt.Errorf("kill process %d: %w", pid, err)
	}
	if err := probe.WaitForProcessExit(pid, killWaitTimeout); err != nil {
		return "", fmt.Errorf("process %d survived SIGKILL", pid)
	}
	return fmt.Sprintf("process %d killed after graceful stop timed out\n", pid), nil
}

// clearLock removes the configured lock file, but only when it is stale.
// A lock whose recorded pid is still alive is in use, not stale, and stays
// in place. Locks without a parseable pid are judged stale since the owner
// can no longer be identified. A missing lock file is success.
func (r *Repairer) clearLock() (string, error) {
	if r.target.LockFile == "" {
		return "", fmt.Errorf("no lock file configured")
	}

	info, err := os.Stat(r.target.LockFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "lock file absent, nothing to clear", nil
		}
		return "", fmt.Errorf("stat lock file: %w", err)
	}

	if pid, err := probe.ReadPIDFile(r.target.LockFile); err == nil && probe.ProcessExists(pid) {
		return "", fmt.Errorf("lock %s held by live process %d, refusing to clear", r.target.LockFile, pid)
	}

	if err := os.Remove(r.target.LockFile); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove lock file: %w", err)
	}
	age := time.Since(info.ModTime()).Round(time.Second)
	return fmt.Sprintf("removed stale lock %s (age %s)", r.target.LockFile, age), nil
}

// rotateLogs archives the current service log and truncates the live file
// in place. Truncate rather than rename so the service's open file handle
// stays valid and it keeps logging without a reopen. A missing or empty
// log is success.
func (r *Repairer) rotateLogs() (string, error) {
	if r.target.LogPath == "" {
		return "", fmt.Errorf("no log path configured")
	}

	info, err := os.Stat(r.target.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "log file absent, nothing to rotate", nil
		}
		return "", fmt.Errorf("stat log file: %w", err)
	}
	if info.Size() == 0 {
		return "log file already empty", nil
	}

	archive := r.target.LogPath + "." + time.Now().UTC().Format("20060102T150405Z")
	if err := copyFile(r.target.LogPath, archive); err != nil {
		return "", fmt.Errorf("archive log: %w", err)
	}
	if err := os.Truncate(r.target.LogPath, 0); err != nil {
		return "", fmt.Errorf("truncate log: %w", err)
	}
	return fmt.Sprintf("rotated %d bytes to %s", info.Size(), archive), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// reloadConfig asks the service to re-read its configuration, via
// ReloadCmd when configured or SIGHUP to the pid from PIDFile. When the
// service's config path is known, a missing or empty file fails the action
// before any signal is sent.
func (r *Repairer) reloadConfig(ctx context.Context) (string, error) {
	var b strings.Builder

	if r.target.ConfigPath != "" {
		info, err := os.Stat(r.target.ConfigPath)
		if err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		if info.Size() == 0 {
			return "", fmt.Errorf("config file %s is empty, refusing to reload", r.target.ConfigPath)
		}
		fmt.Fprintf(&b, "config file %s present (%d bytes)\n", r.target.ConfigPath, info.Size())
	}

	if r.target.ReloadCmd != "" {
		out, err := r.runShell(ctx, r.target.ReloadCmd)
		b.WriteString(out)
		if err != nil {
			return b.String(), fmt.Errorf("reload: %w", err)
		}
		return b.String(), nil
	}

	if r.target.PIDFile == "" {
		return b.String(), fmt.Errorf("no reload command or pid file configured")
	}
	pid, err := probe.ReadPIDFile(r.target.PIDFile)
	if err != nil {
		return b.String(), fmt.Errorf("read pid file: %w", err)
	}
	if !probe.ProcessExists(pid) {
		return b.String(), fmt.Errorf("process %d not running, nothing to reload", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return b.String(), fmt.Errorf("send SIGHUP to %d: %w", pid, err)
	}
	fmt.Fprintf(&b, "sent SIGHUP to process %d\n", pid)
	return b.String(), nil
}
