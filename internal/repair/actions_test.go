package repair

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/vigil/internal/config"
	"github.com/steveyegge/vigil/internal/probe"
	"github.com/steveyegge/vigil/internal/types"
)

func actionRepairer(target config.TargetConfig) *Repairer {
	cfg := config.RepairConfig{
		MaxAttempts:    3,
		RecheckDelay:   time.Millisecond,
		CommandTimeout: 5 * time.Second,
	}
	return New(target, cfg, nil, nil)
}

func TestRunShellCapturesOutput(t *testing.T) {
	r := actionRepairer(config.TargetConfig{})

	out, err := r.runShell(context.Background(), "echo hello; echo oops >&2")
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "oops")
}

func TestRunShellFailure(t *testing.T) {
	r := actionRepairer(config.TargetConfig{})

	out, err := r.runShell(context.Background(), "echo before-failure; exit 3")
	require.Error(t, err)
	assert.Contains(t, out, "before-failure")
	assert.Contains(t, err.Error(), "command failed")
}

func TestRunShellTimeout(t *testing.T) {
	r := actionRepairer(config.TargetConfig{})
	r.cfg.CommandTimeout = 50 * time.Millisecond

	_, err := r.runShell(context.Background(), "sleep 5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestExecuteNoOp(t *testing.T) {
	r := actionRepairer(config.TargetConfig{})

	out := r.execute(context.Background(), types.ActionNoOp)
	assert.True(t, out.Success)
	assert.Equal(t, types.ActionNoOp, out.Action)
	assert.Equal(t, "no action taken", out.Output)
	assert.Empty(t, out.Error)
}

func TestExecuteEncodesFailure(t *testing.T) {
	r := actionRepairer(config.TargetConfig{})

	out := r.execute(context.Background(), types.ActionClearLock)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "no lock file configured")
}

func TestRestartRunsStopThenStart(t *testing.T) {
	dir := t.TempDir()
	seq := filepath.Join(dir, "seq")

	r := actionRepairer(config.TargetConfig{
		StopCmd:  fmt.Sprintf("echo stop >> %s", seq),
		StartCmd: fmt.Sprintf("echo start >> %s", seq),
	})

	_, err := r.restart(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(seq)
	require.NoError(t, err)
	assert.Equal(t, []string{"stop", "start"}, strings.Fields(string(data)))
}

func TestRestartToleratesStopFailure(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "started")

	r := actionRepairer(config.TargetConfig{
		StopCmd:  "exit 1",
		StartCmd: fmt.Sprintf("touch %s", marker),
	})

	out, err := r.restart(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "stop failed")
	assert.FileExists(t, marker)
}

func TestRestartStartFailure(t *testing.T) {
	r := actionRepairer(config.TargetConfig{
		StartCmd: "echo cannot bind; exit 1",
	})

	out, err := r.restart(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start")
	assert.Contains(t, out, "cannot bind")
}

func TestRestartRequiresStartCmd(t *testing.T) {
	r := actionRepairer(config.TargetConfig{StopCmd: "true"})

	_, err := r.restart(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no start command")
}

func TestStopServiceSignalsPid(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "svc.pid")

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", pid)), 0644))

	// Reap in the background: the exit poll sees an unreaped child as
	// still alive
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	r := actionRepairer(config.TargetConfig{PIDFile: pidFile})
	out, err := r.stopService(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "stopped")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("child process not reaped")
	}
	assert.False(t, probe.ProcessExists(pid))
}

func TestStopServiceAlreadyStopped(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "svc.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("99999999"), 0644))

	r := actionRepairer(config.TargetConfig{PIDFile: pidFile})
	out, err := r.stopService(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "already stopped")
}

func TestStopServiceNoPidFile(t *testing.T) {
	r := actionRepairer(config.TargetConfig{PIDFile: filepath.Join(t.TempDir(), "absent.pid")})

	out, err := r.stopService(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "assumed stopped")
}

func TestClearLockStale(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, "agent.lock")
	require.NoError(t, os.WriteFile(lock, []byte("99999999"), 0644))

	r := actionRepairer(config.TargetConfig{LockFile: lock})
	out, err := r.clearLock()
	require.NoError(t, err)
	assert.Contains(t, out, "removed stale lock")
	assert.NoFileExists(t, lock)

	// Second run: nothing left to clear
	out, err = r.clearLock()
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to clear")
}

func TestClearLockHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, "agent.lock")
	require.NoError(t, os.WriteFile(lock, []byte(fmt.Sprintf("%d", os.Getpid())), 0644))

	r := actionRepairer(config.TargetConfig{LockFile: lock})
	_, err := r.clearLock()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "live process")
	assert.FileExists(t, lock)
}

func TestClearLockUnparseableContent(t *testing.T) {
	// A lock without a pid has no identifiable owner and counts as stale
	dir := t.TempDir()
	lock := filepath.Join(dir, "agent.lock")
	require.NoError(t, os.WriteFile(lock, []byte("locked\n"), 0644))

	r := actionRepairer(config.TargetConfig{LockFile: lock})
	_, err := r.clearLock()
	require.NoError(t, err)
	assert.NoFileExists(t, lock)
}

func TestClearLockRequiresPath(t *testing.T) {
	r := actionRepairer(config.TargetConfig{})

	_, err := r.clearLock()
	require.Error(t, err)
}

func TestRotateLogs(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "agent.log")
	require.NoError(t, os.WriteFile(logPath, []byte("line one\nline two\n"), 0644))

	r := actionRepairer(config.TargetConfig{LogPath: logPath})
	out, err := r.rotateLogs()
	require.NoError(t, err)
	assert.Contains(t, out, "rotated")

	// Live file truncated in place
	info, err := os.Stat(logPath)
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	// Archive carries the old content
	matches, err := filepath.Glob(logPath + ".*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))

	// Second rotation finds nothing new to archive
	out, err = r.rotateLogs()
	require.NoError(t, err)
	assert.Contains(t, out, "already empty")
	matches, err = filepath.Glob(logPath + ".*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestRotateLogsMissingFile(t *testing.T) {
	r := actionRepairer(config.TargetConfig{LogPath: filepath.Join(t.TempDir(), "absent.log")})

	out, err := r.rotateLogs()
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to rotate")
}

func TestRotateLogsRequiresPath(t *testing.T) {
	r := actionRepairer(config.TargetConfig{})

	_, err := r.rotateLogs()
	require.Error(t, err)
}

func TestReloadConfigRunsCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("port: 7070\n"), 0644))
	marker := filepath.Join(dir, "reloaded")

	r := actionRepairer(config.TargetConfig{
		ConfigPath: cfgPath,
		ReloadCmd:  fmt.Sprintf("touch %s", marker),
	})
	out, err := r.reloadConfig(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "agent.yaml present")
	assert.FileExists(t, marker)
}

func TestReloadConfigRefusesEmptyConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(cfgPath, nil, 0644))
	marker := filepath.Join(dir, "reloaded")

	r := actionRepairer(config.TargetConfig{
		ConfigPath: cfgPath,
		ReloadCmd:  fmt.Sprintf("touch %s", marker),
	})
	_, err := r.reloadConfig(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
	assert.NoFileExists(t, marker)
}

func TestReloadConfigRefusesMissingConfig(t *testing.T) {
	r := actionRepairer(config.TargetConfig{
		ConfigPath: filepath.Join(t.TempDir(), "absent.yaml"),
		ReloadCmd:  "true",
	})

	_, err := r.reloadConfig(context.Background())
	require.Error(t, err)
}

func TestReloadConfigSighupFallback(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "svc.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644))

	// Catch the HUP we are about to send ourselves
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	r := actionRepairer(config.TargetConfig{PIDFile: pidFile})
	out, err := r.reloadConfig(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "SIGHUP")

	select {
	case <-hup:
	case <-time.After(2 * time.Second):
		t.Fatal("SIGHUP not delivered")
	}
}

func TestReloadConfigDeadProcess(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "svc.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("99999999"), 0644))

	r := actionRepairer(config.TargetConfig{PIDFile: pidFile})
	_, err := r.reloadConfig(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestReloadConfigNoMechanism(t *testing.T) {
	r := actionRepairer(config.TargetConfig{})

	_, err := r.reloadConfig(context.Background())
	require.Error(t, err)
}
