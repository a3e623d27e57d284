package console

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/vigil/internal/monitor"
	"github.com/steveyegge/vigil/internal/storage"
	"github.com/steveyegge/vigil/internal/types"
)

// fakeRunner records cycle options and serves a canned result.
type fakeRunner struct {
	mu     sync.Mutex
	result *monitor.CycleResult
	err    error
	opts   []monitor.CycleOptions
}

func (r *fakeRunner) RunCycle(_ context.Context, opts monitor.CycleOptions) (*monitor.CycleResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts = append(r.opts, opts)
	if r.err != nil {
		return nil, r.err
	}
	if r.result != nil {
		return r.result, nil
	}
	return &monitor.CycleResult{
		CycleID: "cycle-1",
		Verdict: types.VerdictHealthy,
		Snapshot: &types.HealthSnapshot{
			Timestamp:  time.Now().UTC(),
			HTTPStatus: 200,
			LatencyMS:  10,
		},
	}, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.opts)
}

func (r *fakeRunner) lastOpts(t *testing.T) monitor.CycleOptions {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.opts)
	return r.opts[len(r.opts)-1]
}

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()
	store, err := storage.NewStorage(context.Background(), &storage.Config{
		Path: filepath.Join(t.TempDir(), "vigil.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestConsole(t *testing.T, store storage.Storage, runner CycleRunner) *Console {
	t.Helper()
	c, err := New(Config{Store: store, Runner: runner})
	require.NoError(t, err)
	c.ctx = context.Background()
	return c
}

func TestNewValidatesConfig(t *testing.T) {
	store := newTestStore(t)

	_, err := New(Config{Runner: &fakeRunner{}})
	assert.ErrorContains(t, err, "store is required")

	_, err = New(Config{Store: store})
	assert.ErrorContains(t, err, "cycle runner is required")

	c, err := New(Config{Store: store, Runner: &fakeRunner{}})
	require.NoError(t, err)
	assert.Equal(t, "console", c.actor)

	c, err = New(Config{Store: store, Runner: &fakeRunner{}, Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, "ops", c.actor)
}

func TestProcessInputUnknownCommand(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestConsole(t, newTestStore(t), runner)

	require.NoError(t, c.processInput("frobnicate"))
	assert.Equal(t, 0, runner.callCount())
}

func TestStatusForcesCycle(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestConsole(t, newTestStore(t), runner)

	require.NoError(t, c.processInput("status"))

	opts := runner.lastOpts(t)
	assert.True(t, opts.Forced)
	assert.False(t, opts.BypassDebounce)
	assert.Empty(t, opts.Action)
	assert.Equal(t, "console", opts.Actor)
}

func TestStatusRendersIncident(t *testing.T) {
	now := time.Now().UTC()
	runner := &fakeRunner{result: &monitor.CycleResult{
		CycleID: "cycle-2",
		Verdict: types.VerdictDegraded,
		Snapshot: &types.HealthSnapshot{
			Timestamp:  now,
			HTTPStatus: 500,
			LatencyMS:  40,
		},
		Incident: &types.Incident{
			ID:             7,
			Status:         types.IncidentOpen,
			OpenedAt:       now,
			OpeningVerdict: types.VerdictDegraded,
			Attempts:       1,
			LastAction:     types.ActionRestart,
		},
	}}
	c := newTestConsole(t, newTestStore(t), runner)

	require.NoError(t, c.processInput("status"))
}

func TestStatusPropagatesCycleError(t *testing.T) {
	runner := &fakeRunner{err: monitor.ErrCycleInFlight}
	c := newTestConsole(t, newTestStore(t), runner)

	assert.ErrorIs(t, c.processInput("status"), monitor.ErrCycleInFlight)
}

func TestRepairPinsAction(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestConsole(t, newTestStore(t), runner)

	require.NoError(t, c.processInput("repair clear_lock"))

	opts := runner.lastOpts(t)
	assert.True(t, opts.Forced)
	assert.True(t, opts.BypassDebounce)
	assert.Equal(t, types.ActionClearLock, opts.Action)
	assert.Equal(t, "console", opts.Actor)
}

func TestRepairRejectsUnknownAction(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestConsole(t, newTestStore(t), runner)

	err := c.processInput("repair reboot_host")
	assert.ErrorContains(t, err, "unknown action")
	assert.Equal(t, 0, runner.callCount())
}

func TestRepairReopensUnresolvedIncident(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inc, created, err := store.OpenIncident(ctx, types.VerdictCrashed, &types.HealthSnapshot{
		Timestamp:      time.Now().UTC(),
		ConnError:      "connection refused",
		ProcessChecked: true,
	})
	require.NoError(t, err)
	require.True(t, created)
	inc.Attempts = 3
	require.NoError(t, store.UpdateIncident(ctx, inc))
	require.NoError(t, store.MarkIncidentUnresolved(ctx, inc.ID))

	runner := &fakeRunner{}
	c := newTestConsole(t, store, runner)

	require.NoError(t, c.processInput("repair"))

	reopened, err := store.GetOpenIncident(ctx)
	require.NoError(t, err)
	require.NotNil(t, reopened)
	assert.Equal(t, types.IncidentOpen, reopened.Status)
	assert.Equal(t, 0, reopened.Attempts)

	var sawReopen bool
	events, err := store.GetIncidentEvents(ctx, inc.ID, 0)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.Kind == types.EventReopened {
			sawReopen = true
			assert.Equal(t, "console", ev.Actor)
		}
	}
	assert.True(t, sawReopen, "reopen should land in the audit trail")
	assert.Equal(t, 1, runner.callCount())
}

func TestRepairLeavesOpenIncidentAlone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inc, _, err := store.OpenIncident(ctx, types.VerdictDegraded, &types.HealthSnapshot{
		Timestamp:  time.Now().UTC(),
		HTTPStatus: 500,
		LatencyMS:  25,
	})
	require.NoError(t, err)

	runner := &fakeRunner{}
	c := newTestConsole(t, store, runner)

	require.NoError(t, c.processInput("repair"))

	for _, kind := range eventKinds(t, store, inc.ID) {
		assert.NotEqual(t, types.EventReopened, kind, "an open incident has budget left, nothing to reopen")
	}
	assert.Equal(t, 1, runner.callCount())
}

func TestLogsRendersCycles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordCycle(ctx, &types.CycleRecord{
		CycleID:    "c1",
		Timestamp:  time.Now().UTC().Add(-time.Minute),
		Verdict:    types.VerdictHealthy,
		HTTPStatus: 200,
		LatencyMS:  9,
	}))
	require.NoError(t, store.RecordCycle(ctx, &types.CycleRecord{
		CycleID:   "c2",
		Timestamp: time.Now().UTC(),
		Verdict:   types.VerdictCrashed,
		Forced:    true,
		Note:      "repair restart",
	}))

	c := newTestConsole(t, store, &fakeRunner{})

	require.NoError(t, c.processInput("logs"))
	require.NoError(t, c.processInput("logs 1"))
}

func TestLogsRejectsBadCount(t *testing.T) {
	c := newTestConsole(t, newTestStore(t), &fakeRunner{})

	assert.Error(t, c.processInput("logs zero"))
	assert.Error(t, c.processInput("logs -1"))
}

func TestIncidentsListsAndShowsTrail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inc, _, err := store.OpenIncident(ctx, types.VerdictDegraded, &types.HealthSnapshot{
		Timestamp:  time.Now().UTC(),
		HTTPStatus: 500,
		LatencyMS:  33,
	})
	require.NoError(t, err)
	require.NoError(t, store.CloseIncident(ctx, inc.ID, types.VerdictHealthy))

	c := newTestConsole(t, store, &fakeRunner{})

	require.NoError(t, c.processInput("incidents"))
	require.NoError(t, c.processInput(fmt.Sprintf("incidents %d", inc.ID)))
}

func TestIncidentsRejectsBadArgs(t *testing.T) {
	c := newTestConsole(t, newTestStore(t), &fakeRunner{})

	assert.Error(t, c.processInput("incidents abc"))
	assert.ErrorContains(t, c.processInput("incidents 999"), "not found")
}

func TestHelpListsCommands(t *testing.T) {
	c := newTestConsole(t, newTestStore(t), &fakeRunner{})

	require.NoError(t, c.processInput("help"))
	require.NoError(t, c.processInput("?"))
}

func TestExitSignalsEOF(t *testing.T) {
	c := newTestConsole(t, newTestStore(t), &fakeRunner{})

	assert.ErrorIs(t, c.processInput("exit"), io.EOF)
	assert.ErrorIs(t, c.processInput("quit"), io.EOF)
}

func eventKinds(t *testing.T, store storage.Storage, incidentID int64) []types.EventKind {
	t.Helper()
	events, err := store.GetIncidentEvents(context.Background(), incidentID, 0)
	require.NoError(t, err)
	kinds := make([]types.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}
