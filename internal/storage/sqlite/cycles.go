package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steveyegge/vigil/internal/types"
)

// RecordCycle stores the outcome of one monitoring cycle
func (s *SQLiteStorage) RecordCycle(ctx context.Context, rec *types.CycleRecord) error {
	if rec == nil {
		return fmt.Errorf("cycle record cannot be nil")
	}
	if rec.CycleID == "" {
		return fmt.Errorf("cycle record requires a cycle id")
	}
	if !rec.Verdict.IsValid() {
		return fmt.Errorf("invalid verdict: %s", rec.Verdict)
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cycles (cycle_id, timestamp, verdict, http_status, latency_ms, forced, incident_id, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CycleID, ts, string(rec.Verdict), rec.HTTPStatus, rec.LatencyMS, rec.Forced, rec.IncidentID, rec.Note)
	if err != nil {
		return fmt.Errorf("failed to record cycle: %w", err)
	}

	rec.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get cycle id: %w", err)
	}
	return nil
}

// RecentCycles returns cycles ordered most recent first
func (s *SQLiteStorage) RecentCycles(ctx context.Context, limit int) ([]*types.CycleRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_id, timestamp, verdict, http_status, latency_ms, forced, incident_id, note
		FROM cycles
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	var cycles []*types.CycleRecord
	for rows.Next() {
		var rec types.CycleRecord
		err := rows.Scan(
			&rec.ID,
			&rec.CycleID,
			&rec.Timestamp,
			&rec.Verdict,
			&rec.HTTPStatus,
			&rec.LatencyMS,
			&rec.Forced,
			&rec.IncidentID,
			&rec.Note,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		cycles = append(cycles, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycles: %w", err)
	}
	return cycles, nil
}

// LastVerdict returns the verdict of the most recent cycle, or an empty
// verdict when no cycles have been recorded. The monitor uses this to seed
// the previous verdict after a restart so escalation state survives.
func (s *SQLiteStorage) LastVerdict(ctx context.Context) (types.Verdict, error) {
	var verdict types.Verdict
	err := s.db.QueryRowContext(ctx,
		`SELECT verdict FROM cycles ORDER BY id DESC LIMIT 1`).Scan(&verdict)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get last verdict: %w", err)
	}
	return verdict, nil
}
