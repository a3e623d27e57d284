package sqlite

import (
	"context"
	"fmt"
	"time"
)

// StoreCounts holds row count statistics for monitoring and doctor output
type StoreCounts struct {
	TotalIncidents  int
	ActiveIncidents int
	TotalEvents     int
	EventsByKind    map[string]int
	TotalCycles     int
	CyclesByVerdict map[string]int
}

// CleanupResolvedIncidents deletes resolved incidents closed more than
// retentionDays ago. Open and unresolved incidents are never deleted; an
// outage waiting on an operator must survive any retention pass. Incident
// events follow their incident via foreign key cascade.
// Deletions are batched (batchSize incidents per statement).
func (s *SQLiteStorage) CleanupResolvedIncidents(ctx context.Context, retentionDays, batchSize int) (int, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("retention days cannot be negative")
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	totalDeleted := 0

	for {
		// Cancellation is honored between batches, never mid-statement
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}

		result, err := s.db.ExecContext(ctx, `
			DELETE FROM incidents
			WHERE id IN (
				SELECT id FROM incidents
				WHERE status = 'resolved'
				  AND closed_at IS NOT NULL
				  AND closed_at < ?
				ORDER BY closed_at ASC
				LIMIT ?
			)`, cutoff, batchSize)
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to delete old incidents: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to get rows affected: %w", err)
		}

		totalDeleted += int(rowsAffected)

		// Fewer than batchSize deleted means we drained the backlog
		if rowsAffected < int64(batchSize) {
			break
		}
	}

	return totalDeleted, nil
}

// CleanupEventsByIncidentLimit enforces per-incident event limits.
// For each incident with more than perIncidentLimit events, oldest events
// are deleted. Lifecycle events (opened, closed, marked_unresolved,
// reopened) are exempt so an incident's shape stays reconstructible.
func (s *SQLiteStorage) CleanupEventsByIncidentLimit(ctx context.Context, perIncidentLimit, batchSize int) (int, error) {
	if perIncidentLimit < 0 {
		return 0, fmt.Errorf("per-incident limit cannot be negative")
	}
	if perIncidentLimit == 0 {
		// 0 means unlimited
		return 0, nil
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	totalDeleted := 0

	// Find incidents exceeding the limit
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id, COUNT(*) as event_count
		FROM incident_events
		GROUP BY incident_id
		HAVING event_count > ?`, perIncidentLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to query incident event counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var incidents []struct {
		incidentID int64
		eventCount int
	}

	for rows.Next() {
		var incidentID int64
		var count int
		if err := rows.Scan(&incidentID, &count); err != nil {
			return totalDeleted, fmt.Errorf("failed to scan incident count: %w", err)
		}
		incidents = append(incidents, struct {
			incidentID int64
			eventCount int
		}{incidentID, count})
	}
	if err := rows.Err(); err != nil {
		return totalDeleted, fmt.Errorf("error iterating incident counts: %w", err)
	}

	for _, inc := range incidents {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}

		eventsToDelete := inc.eventCount - perIncidentLimit
		if eventsToDelete <= 0 {
			continue
		}

		deleted, err := s.deleteOldestEventsForIncident(ctx, inc.incidentID, eventsToDelete, batchSize)
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to delete events for incident %d: %w", inc.incidentID, err)
		}
		totalDeleted += deleted
	}

	return totalDeleted, nil
}

// deleteOldestEventsForIncident deletes the oldest non-lifecycle events
// for a specific incident
func (s *SQLiteStorage) deleteOldestEventsForIncident(ctx context.Context, incidentID int64, count, batchSize int) (int, error) {
	totalDeleted := 0
	remaining := count

	for remaining > 0 {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}

		limitThisBatch := batchSize
		if remaining < batchSize {
			limitThisBatch = remaining
		}

		result, err := s.db.ExecContext(ctx, `
			DELETE FROM incident_events
			WHERE id IN (
				SELECT id FROM incident_events
				WHERE incident_id = ?
				AND kind NOT IN ('opened', 'closed', 'marked_unresolved', 'reopened')
				ORDER BY created_at ASC
				LIMIT ?
			)`, incidentID, limitThisBatch)
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to execute delete: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to get rows affected: %w", err)
		}

		totalDeleted += int(rowsAffected)
		remaining -= int(rowsAffected)

		// Fewer than requested means only lifecycle events remain
		if rowsAffected < int64(limitThisBatch) {
			break
		}
	}

	return totalDeleted, nil
}

// CleanupCyclesByGlobalLimit enforces a global cycle row limit.
// When the total cycle count exceeds the limit, oldest cycles are deleted.
func (s *SQLiteStorage) CleanupCyclesByGlobalLimit(ctx context.Context, globalLimit, batchSize int) (int, error) {
	if globalLimit < 1 {
		return 0, fmt.Errorf("global limit must be at least 1")
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	var currentCount int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cycles").Scan(&currentCount)
	if err != nil {
		return 0, fmt.Errorf("failed to get cycle count: %w", err)
	}

	if currentCount <= globalLimit {
		return 0, nil
	}

	cyclesToDelete := currentCount - globalLimit
	totalDeleted := 0

	for cyclesToDelete > 0 {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}

		limitThisBatch := batchSize
		if cyclesToDelete < batchSize {
			limitThisBatch = cyclesToDelete
		}

		result, err := s.db.ExecContext(ctx, `
			DELETE FROM cycles
			WHERE id IN (
				SELECT id FROM cycles
				ORDER BY id ASC
				LIMIT ?
			)`, limitThisBatch)
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to execute delete: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to get rows affected: %w", err)
		}

		totalDeleted += int(rowsAffected)
		cyclesToDelete -= int(rowsAffected)

		if rowsAffected < int64(limitThisBatch) {
			break
		}
	}

	return totalDeleted, nil
}

// GetStoreCounts returns row count statistics for monitoring
func (s *SQLiteStorage) GetStoreCounts(ctx context.Context) (*StoreCounts, error) {
	counts := &StoreCounts{
		EventsByKind:    make(map[string]int),
		CyclesByVerdict: make(map[string]int),
	}

	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM incidents").Scan(&counts.TotalIncidents)
	if err != nil {
		return nil, fmt.Errorf("failed to get incident count: %w", err)
	}

	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM incidents WHERE status != 'resolved'").Scan(&counts.ActiveIncidents)
	if err != nil {
		return nil, fmt.Errorf("failed to get active incident count: %w", err)
	}

	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM incident_events").Scan(&counts.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to get event count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*)
		FROM incident_events
		GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by kind: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan kind count: %w", err)
		}
		counts.EventsByKind[kind] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating kind counts: %w", err)
	}

	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cycles").Scan(&counts.TotalCycles)
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle count: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT verdict, COUNT(*)
		FROM cycles
		GROUP BY verdict`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles by verdict: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var verdict string
		var count int
		if err := rows.Scan(&verdict, &count); err != nil {
			return nil, fmt.Errorf("failed to scan verdict count: %w", err)
		}
		counts.CyclesByVerdict[verdict] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating verdict counts: %w", err)
	}

	return counts, nil
}

// VacuumDatabase reclaims disk space freed by the cleanup passes. VACUUM
// rewrites the whole file under an exclusive lock, so callers schedule it
// after large deletions rather than on every sweep.
func (s *SQLiteStorage) VacuumDatabase(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	if err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}
