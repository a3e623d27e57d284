package monitor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/vigil/internal/classify"
	"github.com/steveyegge/vigil/internal/types"
)

func TestNewValidatesDeps(t *testing.T) {
	valid := func(t *testing.T) Deps {
		return Deps{
			Store:         newTestStore(t),
			Prober:        &fakeProber{snaps: []*types.HealthSnapshot{healthySnap()}},
			Classifier:    classify.New(testConfig().Probe),
			Diagnostician: &fakeDiagnostician{},
			Repairer:      &fakeRepairer{verdicts: []types.Verdict{types.VerdictHealthy}},
			Config:        testConfig(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Deps)
		wantErr string
	}{
		{"missing store", func(d *Deps) { d.Store = nil }, "store"},
		{"missing prober", func(d *Deps) { d.Prober = nil }, "prober"},
		{"missing classifier", func(d *Deps) { d.Classifier = nil }, "classifier"},
		{"missing diagnostician", func(d *Deps) { d.Diagnostician = nil }, "diagnostician"},
		{"missing repairer", func(d *Deps) { d.Repairer = nil }, "repairer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := valid(t)
			tt.mutate(&deps)
			_, err := New(deps)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("nil config falls back to defaults", func(t *testing.T) {
		deps := valid(t)
		deps.Config = nil
		m, err := New(deps)
		require.NoError(t, err)
		assert.NotNil(t, m.cfg)
		assert.NotEmpty(t, m.InstanceID())
	})
}

func TestStartStop(t *testing.T) {
	store := newTestStore(t)
	prober := &fakeProber{snaps: []*types.HealthSnapshot{healthySnap()}}
	m := newTestMonitor(t, store, testConfig(), prober, &fakeDiagnostician{}, &fakeRepairer{verdicts: []types.Verdict{types.VerdictHealthy}})

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	// The instance row is registered and cycles accumulate on the cadence.
	active, err := store.GetActiveInstances(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, m.InstanceID(), active[0].InstanceID)
	assert.Equal(t, os.Getpid(), active[0].PID)

	require.Eventually(t, func() bool {
		cycles, err := store.RecentCycles(ctx, 5)
		return err == nil && len(cycles) >= 2
	}, 3*time.Second, 10*time.Millisecond, "scheduled cycles should accumulate")

	m.Stop()

	active, err = store.GetActiveInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, active, "stop must release the running slot")

	// Stopping twice is a no-op.
	m.Stop()
}

func TestStartWhileRunning(t *testing.T) {
	store := newTestStore(t)
	prober := &fakeProber{snaps: []*types.HealthSnapshot{healthySnap()}}
	m := newTestMonitor(t, store, testConfig(), prober, &fakeDiagnostician{}, &fakeRepairer{verdicts: []types.Verdict{types.VerdictHealthy}})

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	err := m.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestStartRefusesLiveInstance(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, store.RegisterInstance(context.Background(), &types.MonitorInstance{
		InstanceID:    "other-instance",
		Hostname:      "testhost",
		PID:           os.Getpid(), // provably alive
		Status:        types.InstanceRunning,
		StartedAt:     now,
		LastHeartbeat: now,
	}))

	prober := &fakeProber{snaps: []*types.HealthSnapshot{healthySnap()}}
	m := newTestMonitor(t, store, testConfig(), prober, &fakeDiagnostician{}, &fakeRepairer{verdicts: []types.Verdict{types.VerdictHealthy}})

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
	assert.Contains(t, err.Error(), "other-instance")
}

func TestStartClearsDeadInstance(t *testing.T) {
	store := newTestStore(t)

	// A fresh row whose process is gone: a crash leftover, not a competitor.
	now := time.Now().UTC()
	require.NoError(t, store.RegisterInstance(context.Background(), &types.MonitorInstance{
		InstanceID:    "crashed-instance",
		Hostname:      "testhost",
		PID:           99999999,
		Status:        types.InstanceRunning,
		StartedAt:     now,
		LastHeartbeat: now,
	}))

	prober := &fakeProber{snaps: []*types.HealthSnapshot{healthySnap()}}
	m := newTestMonitor(t, store, testConfig(), prober, &fakeDiagnostician{}, &fakeRepairer{verdicts: []types.Verdict{types.VerdictHealthy}})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	active, err := store.GetActiveInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, m.InstanceID(), active[0].InstanceID)
}

func TestHeartbeatAdvances(t *testing.T) {
	store := newTestStore(t)
	prober := &fakeProber{snaps: []*types.HealthSnapshot{healthySnap()}}
	m := newTestMonitor(t, store, testConfig(), prober, &fakeDiagnostician{}, &fakeRepairer{verdicts: []types.Verdict{types.VerdictHealthy}})

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	active, err := store.GetActiveInstances(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	initial := active[0].LastHeartbeat

	require.Eventually(t, func() bool {
		active, err := store.GetActiveInstances(ctx)
		return err == nil && len(active) == 1 && active[0].LastHeartbeat.After(initial)
	}, 3*time.Second, 10*time.Millisecond, "heartbeat should advance on its interval")
}

func TestRunMaintenanceSmoke(t *testing.T) {
	store := newTestStore(t)
	prober := &fakeProber{snaps: []*types.HealthSnapshot{healthySnap()}}
	m := newTestMonitor(t, store, testConfig(), prober, &fakeDiagnostician{}, &fakeRepairer{verdicts: []types.Verdict{types.VerdictHealthy}})

	ctx := context.Background()
	inc, _, err := store.OpenIncident(ctx, types.VerdictCrashed, crashedSnap())
	require.NoError(t, err)
	require.NoError(t, store.CloseIncident(ctx, inc.ID, types.VerdictHealthy))

	// A young store has nothing past retention; maintenance must leave it be.
	m.runMaintenance(ctx)

	kept, err := store.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IncidentResolved, kept.Status)
}
