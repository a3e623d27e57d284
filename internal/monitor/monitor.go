// Package monitor runs the supervision loop: probe, classify, diagnose,
// repair, record. Cycles are serialized through a single-slot gate, so a
// forced check never overlaps a scheduled one; it either takes the slot or
// reports that a cycle is already in flight.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/vigil/internal/classify"
	"github.com/steveyegge/vigil/internal/config"
	"github.com/steveyegge/vigil/internal/oracle"
	"github.com/steveyegge/vigil/internal/probe"
	"github.com/steveyegge/vigil/internal/storage"
	"github.com/steveyegge/vigil/internal/types"
)

const (
	// cycleTimeout bounds one full cycle including diagnosis and repair.
	cycleTimeout = 5 * time.Minute

	// vacuumThreshold is the deleted-row count that makes a VACUUM worth
	// its table lock.
	vacuumThreshold = 1000
)

// Prober produces health snapshots. Check errors only on caller cancellation;
// probe failures are encoded in the snapshot.
type Prober interface {
	Check(ctx context.Context) (*types.HealthSnapshot, error)
}

// Repairer executes one whitelisted action and observes the verdict after.
type Repairer interface {
	Repair(ctx context.Context, incident *types.Incident, action types.RepairAction) (*types.RepairOutcome, error)
}

// Deps holds dependencies for creating a Monitor.
type Deps struct {
	Store         storage.Storage
	Prober        Prober
	Classifier    *classify.Classifier
	Diagnostician oracle.Diagnostician
	Repairer      Repairer
	Config        *config.Config

	// Version is reported in the monitor instance row.
	Version string
}

// Monitor owns the supervision loop and the single-cycle gate. The zero
// value is not usable; construct with New.
type Monitor struct {
	mu sync.Mutex

	store      storage.Storage
	prober     Prober
	classifier *classify.Classifier
	diag       oracle.Diagnostician
	repairer   Repairer
	cfg        *config.Config
	version    string

	// retention and instances govern the maintenance loop; read from
	// VIGIL_* environment variables at construction.
	retention config.RetentionConfig
	instances config.InstanceCleanupConfig

	// gate serializes cycles. Holding the slot is holding the cycle.
	gate chan struct{}

	// prev is the previous cycle's verdict, the classifier's escalation
	// input. Only touched while the gate is held; seeded lazily from the
	// store so one-shot cycles see history from earlier processes.
	prev       types.Verdict
	prevLoaded bool

	instanceID string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a monitor from its dependencies.
func New(deps Deps) (*Monitor, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Prober == nil {
		return nil, fmt.Errorf("prober is required")
	}
	if deps.Classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if deps.Diagnostician == nil {
		return nil, fmt.Errorf("diagnostician is required")
	}
	if deps.Repairer == nil {
		return nil, fmt.Errorf("repairer is required")
	}

	cfg := deps.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// A bad retention variable should not stop the monitor from probing;
	// `vigil cleanup` is the strict surface for these knobs.
	retention, err := config.RetentionConfigFromEnv()
	if err != nil {
		slog.Warn("invalid retention environment, using defaults", "error", err)
		retention = config.DefaultRetentionConfig()
	}
	instances, err := config.InstanceCleanupConfigFromEnv()
	if err != nil {
		slog.Warn("invalid instance cleanup environment, using defaults", "error", err)
		instances = config.DefaultInstanceCleanupConfig()
	}

	return &Monitor{
		store:      deps.Store,
		prober:     deps.Prober,
		classifier: deps.Classifier,
		diag:       deps.Diagnostician,
		repairer:   deps.Repairer,
		cfg:        cfg,
		version:    deps.Version,
		retention:  retention,
		instances:  instances,
		gate:       make(chan struct{}, 1),
		instanceID: uuid.New().String(),
	}, nil
}

// InstanceID returns this monitor's registry identity.
func (m *Monitor) InstanceID() string {
	return m.instanceID
}

// Start registers the instance and launches the scheduling, heartbeat, and
// maintenance loops. It refuses to start while another live instance holds
// the running slot.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor already running")
	}

	if err := m.registerInstance(ctx); err != nil {
		return err
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.wg.Add(3)
	go m.cycleLoop()
	go m.heartbeatLoop()
	go m.maintenanceLoop()

	slog.Info("monitor started",
		"instance", m.instanceID,
		"target", m.cfg.Target.Name,
		"interval", m.cfg.Monitor.Interval)
	return nil
}

// Stop cancels the loops, waits for an in-flight cycle to finish, and marks
// the instance stopped.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()

	// The run context is gone; the final store write gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.MarkInstanceStopped(ctx, m.instanceID); err != nil {
		slog.Warn("failed to mark instance stopped", "instance", m.instanceID, "error", err)
	}

	slog.Info("monitor stopped", "instance", m.instanceID)
}

// registerInstance claims the single running slot. Stale rows are swept
// first; a fresh row whose process is gone is a crash leftover and gets
// cleared rather than blocking the start.
func (m *Monitor) registerInstance(ctx context.Context) error {
	if _, err := m.store.CleanupStaleInstances(ctx, m.instances.StaleHeartbeat()); err != nil {
		slog.Warn("stale instance sweep failed", "error", err)
	}

	active, err := m.store.GetActiveInstances(ctx)
	if err != nil {
		return m.storeErr("load monitor instances", err)
	}
	for _, inst := range active {
		if inst.InstanceID == m.instanceID {
			continue
		}
		if probe.ProcessExists(inst.PID) {
			return fmt.Errorf("another monitor is already running (instance %s, pid %d)", inst.InstanceID, inst.PID)
		}
		if err := m.store.MarkInstanceStopped(ctx, inst.InstanceID); err != nil {
			slog.Warn("failed to clear dead instance", "instance", inst.InstanceID, "error", err)
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	now := time.Now().UTC()
	instance := &types.MonitorInstance{
		InstanceID:    m.instanceID,
		Hostname:      hostname,
		PID:           os.Getpid(),
		Status:        types.InstanceRunning,
		StartedAt:     now,
		LastHeartbeat: now,
		Version:       m.version,
	}
	if err := m.store.RegisterInstance(ctx, instance); err != nil {
		return m.storeErr("register monitor instance", err)
	}
	return nil
}

// cycleLoop drives scheduled cycles. The timer resets after each cycle
// completes, so a slow cycle delays the next start rather than stacking
// behind it.
func (m *Monitor) cycleLoop() {
	defer m.wg.Done()

	// A zero first interval probes as soon as the loop is up.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-timer.C:
			m.runScheduledCycle()
			timer.Reset(m.cfg.Monitor.Interval)
		}
	}
}

func (m *Monitor) runScheduledCycle() {
	ctx, cancel := context.WithTimeout(m.ctx, cycleTimeout)
	defer cancel()

	result, err := m.RunCycle(ctx, CycleOptions{})
	if err != nil {
		switch {
		case m.ctx.Err() != nil:
			// Shutting down
		case errors.Is(err, ErrCycleInFlight):
			slog.Info("cycle skipped, one is already running")
		default:
			slog.Error("cycle failed", "error", err)
		}
		return
	}

	attrs := []any{"cycle", result.CycleID, "verdict", result.Verdict}
	if result.Incident != nil {
		attrs = append(attrs, "incident", result.Incident.ID)
	}
	if result.Outcome != nil {
		attrs = append(attrs, "action", result.Outcome.Action, "action_success", result.Outcome.Success)
	}
	slog.Info("cycle complete", attrs...)
}

// heartbeatLoop keeps the instance row fresh so stop and status can tell a
// live monitor from a crashed one.
func (m *Monitor) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Monitor.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
			if err := m.store.UpdateHeartbeat(ctx, m.instanceID); err != nil {
				slog.Warn("heartbeat update failed", "error", err)
			}
			cancel()
		}
	}
}

// maintenanceLoop applies the retention and registry policies on the
// configured sweep cadence, off the cycle path.
func (m *Monitor) maintenanceLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.retention.CleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runMaintenance(m.ctx)
		}
	}
}

func (m *Monitor) runMaintenance(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	// Liveness bookkeeping runs even with retention off: a crashed
	// monitor's row must not hold the running slot until a restart.
	if _, err := m.store.CleanupStaleInstances(ctx, m.instances.StaleHeartbeat()); err != nil {
		slog.Warn("stale instance sweep failed", "error", err)
	}
	if !m.retention.CleanupEnabled {
		return
	}

	batch := m.retention.CleanupBatchSize
	deleted := 0
	if n, err := m.store.CleanupResolvedIncidents(ctx, m.retention.RetentionDays, batch); err != nil {
		slog.Warn("incident cleanup failed", "error", err)
	} else {
		deleted += n
	}
	if limit := m.retention.PerIncidentLimitEvents; limit > 0 {
		if n, err := m.store.CleanupEventsByIncidentLimit(ctx, limit, batch); err != nil {
			slog.Warn("event cleanup failed", "error", err)
		} else {
			deleted += n
		}
	}
	if n, err := m.store.CleanupCyclesByGlobalLimit(ctx, m.retention.GlobalLimitCycles, batch); err != nil {
		slog.Warn("cycle cleanup failed", "error", err)
	} else {
		deleted += n
	}
	if m.instances.CleanupAge() > 0 {
		if _, err := m.store.DeleteOldStoppedInstances(ctx, m.instances.CleanupAge(), m.instances.CleanupKeep); err != nil {
			slog.Warn("stopped instance cleanup failed", "error", err)
		}
	}

	if deleted == 0 {
		return
	}
	slog.Info("retention cleanup", "rows_deleted", deleted)

	if deleted >= vacuumThreshold {
		if err := m.store.VacuumDatabase(ctx); err != nil {
			slog.Warn("vacuum failed", "error", err)
		}
	}
}

func (m *Monitor) storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreCorruption, op, err)
}
