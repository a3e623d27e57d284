package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/vigil/internal/types"
)

// RegisterInstance registers a monitor instance, replacing any previous
// record with the same id. Re-registration after a restart refreshes pid
// and heartbeat in place.
func (s *SQLiteStorage) RegisterInstance(ctx context.Context, instance *types.MonitorInstance) error {
	if instance == nil {
		return fmt.Errorf("instance cannot be nil")
	}
	if err := instance.Validate(); err != nil {
		return fmt.Errorf("invalid monitor instance: %w", err)
	}

	query := `
		INSERT INTO monitor_instances (
			instance_id, hostname, pid, status, started_at, last_heartbeat, version
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			hostname = excluded.hostname,
			pid = excluded.pid,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			version = excluded.version
	`

	_, err := s.db.ExecContext(ctx, query,
		instance.InstanceID,
		instance.Hostname,
		instance.PID,
		string(instance.Status),
		instance.StartedAt,
		instance.LastHeartbeat,
		instance.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to register monitor instance: %w", err)
	}

	return nil
}

// UpdateHeartbeat updates the last_heartbeat timestamp for a monitor instance
func (s *SQLiteStorage) UpdateHeartbeat(ctx context.Context, instanceID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE monitor_instances
		SET last_heartbeat = ?
		WHERE instance_id = ?`,
		time.Now().UTC(), instanceID)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("monitor instance not found: %s", instanceID)
	}

	return nil
}

// GetActiveInstances returns all monitor instances with status='running'
func (s *SQLiteStorage) GetActiveInstances(ctx context.Context) ([]*types.MonitorInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, hostname, pid, status, started_at, last_heartbeat, version
		FROM monitor_instances
		WHERE status = 'running'
		ORDER BY last_heartbeat DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active instances: %w", err)
	}
	defer rows.Close()

	var instances []*types.MonitorInstance
	for rows.Next() {
		instance := &types.MonitorInstance{}
		err := rows.Scan(
			&instance.InstanceID,
			&instance.Hostname,
			&instance.PID,
			&instance.Status,
			&instance.StartedAt,
			&instance.LastHeartbeat,
			&instance.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan monitor instance: %w", err)
		}
		instances = append(instances, instance)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating monitor instances: %w", err)
	}

	return instances, nil
}

// MarkInstanceStopped sets an instance's status to stopped. Safe to call
// for instances that are already stopped.
func (s *SQLiteStorage) MarkInstanceStopped(ctx context.Context, instanceID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE monitor_instances
		SET status = 'stopped', last_heartbeat = ?
		WHERE instance_id = ?`,
		time.Now().UTC(), instanceID)
	if err != nil {
		return fmt.Errorf("failed to mark instance stopped: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("monitor instance not found: %s", instanceID)
	}

	return nil
}

// CleanupStaleInstances marks instances as stopped when their last
// heartbeat is older than staleThreshold. A monitor that crashed without
// cleanup stops showing as running once this fires. Returns the number of
// instances cleaned up.
func (s *SQLiteStorage) CleanupStaleInstances(ctx context.Context, staleThreshold time.Duration) (int, error) {
	cutoffTime := time.Now().UTC().Add(-staleThreshold)

	result, err := s.db.ExecContext(ctx, `
		UPDATE monitor_instances
		SET status = 'stopped'
		WHERE status = 'running'
		  AND last_heartbeat < ?`,
		cutoffTime)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup stale instances: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rows), nil
}

// DeleteOldStoppedInstances deletes stopped instances whose last heartbeat
// is older than age, always keeping the most recent keep rows for
// debugging. Returns the number of instances deleted.
func (s *SQLiteStorage) DeleteOldStoppedInstances(ctx context.Context, age time.Duration, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	cutoffTime := time.Now().UTC().Add(-age)

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM monitor_instances
		WHERE status = 'stopped'
		  AND last_heartbeat < ?
		  AND instance_id NOT IN (
			SELECT instance_id FROM monitor_instances
			WHERE status = 'stopped'
			ORDER BY last_heartbeat DESC
			LIMIT ?
		  )`,
		cutoffTime, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old instances: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rows), nil
}
