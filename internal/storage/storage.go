package storage

import (
	"context"
	"time"

	"github.com/steveyegge/vigil/internal/storage/sqlite"
	"github.com/steveyegge/vigil/internal/types"
)

// Storage defines the interface for incident storage backends
type Storage interface {
	// Incidents. OpenIncident is idempotent: while an incident is open (or
	// unresolved) it returns that incident with created=false, preserving
	// the at-most-one-open invariant.
	OpenIncident(ctx context.Context, verdict types.Verdict, snapshot *types.HealthSnapshot) (incident *types.Incident, created bool, err error)
	GetIncident(ctx context.Context, id int64) (*types.Incident, error)
	GetOpenIncident(ctx context.Context) (*types.Incident, error) // nil when none
	UpdateIncident(ctx context.Context, incident *types.Incident) error
	CloseIncident(ctx context.Context, id int64, finalVerdict types.Verdict) error
	MarkIncidentUnresolved(ctx context.Context, id int64) error
	ReopenIncident(ctx context.Context, id int64, actor string) error
	RecentIncidents(ctx context.Context, limit int) ([]*types.Incident, error)

	// Incident events - append-only audit trail, one row per state transition
	AddIncidentEvent(ctx context.Context, event *types.IncidentEvent) error
	GetIncidentEvents(ctx context.Context, incidentID int64, limit int) ([]*types.IncidentEvent, error)
	GetRecentEvents(ctx context.Context, limit int) ([]*types.IncidentEvent, error)
	GetEventsAfter(ctx context.Context, after time.Time, limit int) ([]*types.IncidentEvent, error)

	// Cycles - one row per monitoring cycle
	RecordCycle(ctx context.Context, rec *types.CycleRecord) error
	RecentCycles(ctx context.Context, limit int) ([]*types.CycleRecord, error)
	LastVerdict(ctx context.Context) (types.Verdict, error)

	// Retention - policy enforcement for old rows
	CleanupResolvedIncidents(ctx context.Context, retentionDays, batchSize int) (int, error)
	CleanupEventsByIncidentLimit(ctx context.Context, perIncidentLimit, batchSize int) (int, error)
	CleanupCyclesByGlobalLimit(ctx context.Context, globalLimit, batchSize int) (int, error)
	GetStoreCounts(ctx context.Context) (*sqlite.StoreCounts, error)
	VacuumDatabase(ctx context.Context) error

	// Monitor instances
	RegisterInstance(ctx context.Context, instance *types.MonitorInstance) error
	UpdateHeartbeat(ctx context.Context, instanceID string) error
	GetActiveInstances(ctx context.Context) ([]*types.MonitorInstance, error)
	MarkInstanceStopped(ctx context.Context, instanceID string) error
	CleanupStaleInstances(ctx context.Context, staleThreshold time.Duration) (int, error)
	DeleteOldStoppedInstances(ctx context.Context, age time.Duration, keep int) (int, error)

	// Rotation
	SizeBytes() (int64, error)
	Rotate(ctx context.Context, retainCycles int) (archivePath string, err error)

	// Config
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	// Lifecycle
	Close() error
}

// Config holds store location settings.
type Config struct {
	// Path locates the SQLite database file.
	// Default: ".vigil/vigil.db"
	// ":memory:" opens a throwaway in-memory store, which the tests use.
	Path string
}

// DefaultConfig returns the workspace-local store location.
func DefaultConfig() *Config {
	return &Config{
		Path: ".vigil/vigil.db",
	}
}

// NewStorage opens the SQLite backend at cfg.Path. A nil config gets
// defaults.
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if cfg.Path == "" {
		cfg.Path = ".vigil/vigil.db"
	}

	return sqlite.New(cfg.Path)
}
