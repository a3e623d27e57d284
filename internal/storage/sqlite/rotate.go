package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/steveyegge/vigil/internal/types"
)

// SizeBytes returns the on-disk size of the main database file. The WAL
// sidecar is not counted; rotation triggers on the checkpointed size.
func (s *SQLiteStorage) SizeBytes() (int64, error) {
	if s.path == ":memory:" {
		return 0, nil
	}
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat database: %w", err)
	}
	return info.Size(), nil
}

// Rotate archives the current database file and starts a fresh one at the
// same path. The active incident with its events, the most recent
// retainCycles cycles, running monitor instances, and config rows are
// carried into the fresh database with their original ids. History beyond
// that stays in the archive.
//
// Rotate must not run concurrently with other calls on this store; the
// monitor invokes it between cycles.
func (s *SQLiteStorage) Rotate(ctx context.Context, retainCycles int) (string, error) {
	if s.path == ":memory:" {
		return "", fmt.Errorf("cannot rotate an in-memory database")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Collect the state that survives rotation before touching the file
	active, err := s.GetOpenIncident(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load active incident: %w", err)
	}

	var activeEvents []*types.IncidentEvent
	if active != nil {
		activeEvents, err = s.GetIncidentEvents(ctx, active.ID, 0)
		if err != nil {
			return "", fmt.Errorf("failed to load incident events: %w", err)
		}
	}

	var cycles []*types.CycleRecord
	if retainCycles > 0 {
		cycles, err = s.RecentCycles(ctx, retainCycles)
		if err != nil {
			return "", fmt.Errorf("failed to load recent cycles: %w", err)
		}
	}

	instances, err := s.GetActiveInstances(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load monitor instances: %w", err)
	}

	configRows, err := s.allConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}

	// Flush the WAL so the archived file is self-contained
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return "", fmt.Errorf("failed to checkpoint database: %w", err)
	}

	if err := s.db.Close(); err != nil {
		return "", fmt.Errorf("failed to close database: %w", err)
	}

	archivePath := fmt.Sprintf("%s.%s", s.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(s.path, archivePath); err != nil {
		// Reopen the original so the store stays usable after a failed rotation
		if reopened, rerr := New(s.path); rerr == nil {
			s.db = reopened.db
		}
		return "", fmt.Errorf("failed to archive database: %w", err)
	}

	// Sidecar files pair with the old inode and the checkpoint emptied them
	_ = os.Remove(s.path + "-wal")
	_ = os.Remove(s.path + "-shm")

	fresh, err := New(s.path)
	if err != nil {
		return "", fmt.Errorf("failed to create fresh database: %w", err)
	}
	s.db = fresh.db

	if err := s.replayCarriedState(ctx, active, activeEvents, cycles, instances, configRows); err != nil {
		return "", fmt.Errorf("failed to carry state into fresh database: %w", err)
	}

	now := time.Now().UTC()
	if err := s.SetConfig(ctx, "rotated_from", archivePath); err != nil {
		return "", err
	}
	if err := s.SetConfig(ctx, "rotated_at", now.Format(time.RFC3339)); err != nil {
		return "", err
	}

	if active != nil {
		data, _ := json.Marshal(map[string]string{"archive": archivePath})
		event := &types.IncidentEvent{
			IncidentID: active.ID,
			Kind:       types.EventRotated,
			Actor:      "monitor",
			Message:    "database rotated, incident carried forward",
			Data:       string(data),
			CreatedAt:  now,
		}
		if err := s.AddIncidentEvent(ctx, event); err != nil {
			return "", fmt.Errorf("failed to record rotation event: %w", err)
		}
	}

	return archivePath, nil
}

// replayCarriedState inserts the saved rows into the fresh database.
// Incidents, events, and cycles keep their original ids so references and
// ordering stay stable across rotation; the autoincrement sequence resumes
// past the highest carried id.
func (s *SQLiteStorage) replayCarriedState(ctx context.Context, active *types.Incident, events []*types.IncidentEvent, cycles []*types.CycleRecord, instances []*types.MonitorInstance, configRows map[string]string) error {
	if active != nil {
		snapJSON := "{}"
		if active.Snapshot != nil {
			data, err := json.Marshal(active.Snapshot)
			if err != nil {
				return fmt.Errorf("failed to marshal snapshot: %w", err)
			}
			snapJSON = string(data)
		}
		var diagJSON sql.NullString
		if active.Diagnosis != nil {
			data, err := json.Marshal(active.Diagnosis)
			if err != nil {
				return fmt.Errorf("failed to marshal diagnosis: %w", err)
			}
			diagJSON = sql.NullString{String: string(data), Valid: true}
		}

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO incidents (id, status, opened_at, opening_verdict, snapshot, diagnosis, last_action, attempts, result_verdict, final_verdict)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			active.ID, string(active.Status), active.OpenedAt, string(active.OpeningVerdict),
			snapJSON, diagJSON, active.LastAction, active.Attempts,
			string(active.ResultVerdict), string(active.FinalVerdict))
		if err != nil {
			return fmt.Errorf("failed to carry incident %d: %w", active.ID, err)
		}

		for _, ev := range events {
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO incident_events (id, incident_id, kind, actor, message, data, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				ev.ID, ev.IncidentID, string(ev.Kind), ev.Actor, ev.Message, ev.Data, ev.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to carry event %d: %w", ev.ID, err)
			}
		}
	}

	for _, rec := range cycles {
		// Cycles referencing incidents left behind in the archive lose the
		// link; the foreign key would otherwise reject the row
		incidentID := rec.IncidentID
		if incidentID != nil && (active == nil || *incidentID != active.ID) {
			incidentID = nil
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cycles (id, cycle_id, timestamp, verdict, http_status, latency_ms, forced, incident_id, note)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.CycleID, rec.Timestamp, string(rec.Verdict), rec.HTTPStatus, rec.LatencyMS, rec.Forced, incidentID, rec.Note)
		if err != nil {
			return fmt.Errorf("failed to carry cycle %s: %w", rec.CycleID, err)
		}
	}

	for _, instance := range instances {
		if err := s.RegisterInstance(ctx, instance); err != nil {
			return err
		}
	}

	for key, value := range configRows {
		if err := s.SetConfig(ctx, key, value); err != nil {
			return err
		}
	}

	return nil
}

// allConfig reads every config row
func (s *SQLiteStorage) allConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, fmt.Errorf("failed to query config: %w", err)
	}
	defer rows.Close()

	config := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}
		config[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating config: %w", err)
	}
	return config, nil
}
