package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steveyegge/vigil/internal/types"
)

// AddIncidentEvent appends an event to an incident's audit trail
func (s *SQLiteStorage) AddIncidentEvent(ctx context.Context, event *types.IncidentEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if !event.Kind.IsValid() {
		return fmt.Errorf("invalid event kind: %s", event.Kind)
	}
	if event.IncidentID <= 0 {
		return fmt.Errorf("event requires an incident id")
	}

	actor := event.Actor
	if actor == "" {
		actor = "monitor"
	}
	data := event.Data
	if data == "" {
		data = "{}"
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_events (incident_id, kind, actor, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.IncidentID, string(event.Kind), actor, event.Message, data, createdAt)
	if err != nil {
		return fmt.Errorf("failed to store incident event: %w", err)
	}

	event.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event id: %w", err)
	}
	return nil
}

// GetIncidentEvents returns events for one incident in chronological order
func (s *SQLiteStorage) GetIncidentEvents(ctx context.Context, incidentID int64, limit int) ([]*types.IncidentEvent, error) {
	query := `
		SELECT id, incident_id, kind, actor, message, data, created_at
		FROM incident_events
		WHERE incident_id = ?
		ORDER BY created_at ASC, id ASC`
	args := []interface{}{incidentID}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incident events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetRecentEvents returns the most recent events across all incidents,
// newest first
func (s *SQLiteStorage) GetRecentEvents(ctx context.Context, limit int) ([]*types.IncidentEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, kind, actor, message, data, created_at
		FROM incident_events
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetEventsAfter returns events created after the given time in
// chronological order. Used by log following to poll for new activity.
func (s *SQLiteStorage) GetEventsAfter(ctx context.Context, after time.Time, limit int) ([]*types.IncidentEvent, error) {
	query := `
		SELECT id, incident_id, kind, actor, message, data, created_at
		FROM incident_events
		WHERE 1=1`
	args := []interface{}{}

	if !after.IsZero() {
		query += " AND created_at > ?"
		args = append(args, after)
	}

	query += " ORDER BY created_at ASC, id ASC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// scanEvents reads incident event rows into a slice
func scanEvents(rows *sql.Rows) ([]*types.IncidentEvent, error) {
	var events []*types.IncidentEvent
	for rows.Next() {
		var event types.IncidentEvent
		err := rows.Scan(
			&event.ID,
			&event.IncidentID,
			&event.Kind,
			&event.Actor,
			&event.Message,
			&event.Data,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
