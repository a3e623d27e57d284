// Package sqlite implements incident storage on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/vigil/internal/types"
)

// SQLiteStorage is the SQLite-backed incident store. One file holds
// incidents, their audit trails, cycle history, and the monitor registry.
type SQLiteStorage struct {
	db   *sql.DB
	path string
	mu   sync.Mutex // guards the handle swap during rotation
}

// incidentColumns is the column list every incident query selects, in the
// order scanIncident expects.
const incidentColumns = `id, status, opened_at, opening_verdict, snapshot, diagnosis, last_action, attempts, result_verdict, final_verdict, closed_at`

// New opens the store at path, creating the file and applying the schema
// as needed. The schema is idempotent, so reopening an existing store is
// safe.
func New(path string) (*SQLiteStorage, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		// Shared cache keeps pooled connections on the same in-memory
		// database instead of each getting a fresh empty one
		dsn = "file::memory:?cache=shared&_pragma=foreign_keys(1)"
	} else {
		// SQLite creates the file but not its directory
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Open is lazy; Ping touches the file
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{
		db:   db,
		path: path,
	}, nil
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.path
}

// Close releases the database handle.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// OpenIncident opens a new incident, or returns the currently active one.
// Open is idempotent: while an incident is open or unresolved, repeated
// calls return that incident with created=false. The check and insert run
// in a single immediate transaction so concurrent openers serialize on the
// write lock instead of racing.
func (s *SQLiteStorage) OpenIncident(ctx context.Context, verdict types.Verdict, snapshot *types.HealthSnapshot) (*types.Incident, bool, error) {
	if !verdict.IsValid() || verdict.IsHealthy() {
		return nil, false, fmt.Errorf("cannot open incident with verdict %q", verdict)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	// BEGIN IMMEDIATE takes the write lock up front so concurrent openers
	// block here rather than failing at commit
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	// Reuse the active incident when one exists
	row := conn.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE status != 'resolved' ORDER BY id LIMIT 1`)
	existing, err := scanIncident(row)
	switch {
	case err == nil:
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			return nil, false, fmt.Errorf("failed to commit: %w", err)
		}
		committed = true
		return existing, false, nil
	case err != sql.ErrNoRows:
		return nil, false, fmt.Errorf("failed to check for active incident: %w", err)
	}

	snapJSON := "{}"
	if snapshot != nil {
		data, err := json.Marshal(snapshot)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal snapshot: %w", err)
		}
		snapJSON = string(data)
	}

	openedAt := time.Now().UTC()
	res, err := conn.ExecContext(ctx,
		`INSERT INTO incidents (status, opened_at, opening_verdict, snapshot) VALUES ('open', ?, ?, ?)`,
		openedAt, string(verdict), snapJSON)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert incident: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get incident id: %w", err)
	}

	// Record the opening in the audit trail within the same transaction
	_, err = conn.ExecContext(ctx,
		`INSERT INTO incident_events (incident_id, kind, actor, message, created_at) VALUES (?, ?, 'monitor', ?, ?)`,
		id, string(types.EventOpened), fmt.Sprintf("incident opened with verdict %s", verdict), openedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record opened event: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, false, fmt.Errorf("failed to commit: %w", err)
	}
	committed = true

	return &types.Incident{
		ID:             id,
		Status:         types.IncidentOpen,
		OpenedAt:       openedAt,
		OpeningVerdict: verdict,
		Snapshot:       snapshot,
	}, true, nil
}

// GetIncident retrieves an incident by ID
func (s *SQLiteStorage) GetIncident(ctx context.Context, id int64) (*types.Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)

	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("incident not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return inc, nil
}

// GetOpenIncident returns the active (open or unresolved) incident,
// or nil when the store has none.
func (s *SQLiteStorage) GetOpenIncident(ctx context.Context) (*types.Incident, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE status != 'resolved' ORDER BY id LIMIT 1`)

	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open incident: %w", err)
	}
	return inc, nil
}

// UpdateIncident persists the mutable fields of an incident: diagnosis,
// repair progress, and verdicts. Status transitions to resolved must go
// through CloseIncident so closed_at and the audit trail stay consistent.
func (s *SQLiteStorage) UpdateIncident(ctx context.Context, incident *types.Incident) error {
	if incident == nil {
		return fmt.Errorf("incident cannot be nil")
	}
	if err := incident.Validate(); err != nil {
		return fmt.Errorf("invalid incident: %w", err)
	}

	snapJSON := "{}"
	if incident.Snapshot != nil {
		data, err := json.Marshal(incident.Snapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}
		snapJSON = string(data)
	}

	var diagJSON sql.NullString
	if incident.Diagnosis != nil {
		data, err := json.Marshal(incident.Diagnosis)
		if err != nil {
			return fmt.Errorf("failed to marshal diagnosis: %w", err)
		}
		diagJSON = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents
		SET snapshot = ?, diagnosis = ?, last_action = ?, attempts = ?, result_verdict = ?
		WHERE id = ?`,
		snapJSON, diagJSON, incident.LastAction, incident.Attempts, string(incident.ResultVerdict), incident.ID)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("incident not found: %d", incident.ID)
	}
	return nil
}

// CloseIncident marks an incident resolved and stamps closed_at. Closing an
// already-resolved incident is a no-op so crash recovery can replay it.
func (s *SQLiteStorage) CloseIncident(ctx context.Context, id int64, finalVerdict types.Verdict) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	closedAt := time.Now().UTC()
	res, err := conn.ExecContext(ctx, `
		UPDATE incidents
		SET status = 'resolved', final_verdict = ?, closed_at = ?
		WHERE id = ? AND status != 'resolved'`,
		string(finalVerdict), closedAt, id)
	if err != nil {
		return fmt.Errorf("failed to close incident: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish already-closed from missing
		var status string
		err := conn.QueryRowContext(ctx, `SELECT status FROM incidents WHERE id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("incident not found: %d", id)
		}
		if err != nil {
			return fmt.Errorf("failed to check incident status: %w", err)
		}
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			return fmt.Errorf("failed to commit: %w", err)
		}
		committed = true
		return nil
	}

	_, err = conn.ExecContext(ctx,
		`INSERT INTO incident_events (incident_id, kind, actor, message, created_at) VALUES (?, ?, 'monitor', ?, ?)`,
		id, string(types.EventClosed), fmt.Sprintf("incident closed with verdict %s", finalVerdict), closedAt)
	if err != nil {
		return fmt.Errorf("failed to record closed event: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	committed = true
	return nil
}

// MarkIncidentUnresolved transitions an open incident to unresolved after
// the repair budget is exhausted. The incident keeps occupying the single
// active slot; only CloseIncident or operator action releases it.
func (s *SQLiteStorage) MarkIncidentUnresolved(ctx context.Context, id int64) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	res, err := conn.ExecContext(ctx,
		`UPDATE incidents SET status = 'unresolved' WHERE id = ? AND status = 'open'`, id)
	if err != nil {
		return fmt.Errorf("failed to mark incident unresolved: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var status string
		err := conn.QueryRowContext(ctx, `SELECT status FROM incidents WHERE id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("incident not found: %d", id)
		}
		if err != nil {
			return fmt.Errorf("failed to check incident status: %w", err)
		}
		if status == string(types.IncidentUnresolved) {
			// Already marked, nothing to do
			if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
				return fmt.Errorf("failed to commit: %w", err)
			}
			committed = true
			return nil
		}
		return fmt.Errorf("cannot mark incident %d unresolved from status %s", id, status)
	}

	_, err = conn.ExecContext(ctx,
		`INSERT INTO incident_events (incident_id, kind, actor, message, created_at) VALUES (?, ?, 'monitor', ?, ?)`,
		id, string(types.EventUnresolved), "repair attempts exhausted, operator attention required", time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record unresolved event: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	committed = true
	return nil
}

// ReopenIncident returns an active incident to open status and resets its
// repair attempt budget. A forced repair goes through here so the operator
// gets a fresh set of attempts after the monitor gave up. Reopening an
// incident that is already open with an untouched budget is a no-op;
// resolved incidents cannot be reopened.
func (s *SQLiteStorage) ReopenIncident(ctx context.Context, id int64, actor string) error {
	if actor == "" {
		actor = "cli"
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	var status string
	var attempts int
	err = conn.QueryRowContext(ctx, `SELECT status, attempts FROM incidents WHERE id = ?`, id).Scan(&status, &attempts)
	if err == sql.ErrNoRows {
		return fmt.Errorf("incident not found: %d", id)
	}
	if err != nil {
		return fmt.Errorf("failed to check incident status: %w", err)
	}
	if status == string(types.IncidentResolved) {
		return fmt.Errorf("cannot reopen resolved incident %d", id)
	}
	if status == string(types.IncidentOpen) && attempts == 0 {
		// Fresh budget already, nothing to record
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			return fmt.Errorf("failed to commit: %w", err)
		}
		committed = true
		return nil
	}

	if _, err := conn.ExecContext(ctx,
		`UPDATE incidents SET status = 'open', attempts = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to reopen incident: %w", err)
	}

	_, err = conn.ExecContext(ctx,
		`INSERT INTO incident_events (incident_id, kind, actor, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(types.EventReopened), actor,
		fmt.Sprintf("forced repair reset attempt budget (was %d, status %s)", attempts, status),
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record reopened event: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	committed = true
	return nil
}

// RecentIncidents returns incidents ordered most recent first
func (s *SQLiteStorage) RecentIncidents(ctx context.Context, limit int) ([]*types.Incident, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents ORDER BY opened_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*types.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incidents: %w", err)
	}
	return incidents, nil
}

// GetConfig retrieves a config value from the store. Returns an empty
// string when the key is not set.
func (s *SQLiteStorage) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config %s: %w", key, err)
	}
	return value, nil
}

// SetConfig stores a config value, replacing any existing value
func (s *SQLiteStorage) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set config %s: %w", key, err)
	}
	return nil
}

// scanIncident reads one incident row. The scanner must have selected
// incidentColumns in order.
func scanIncident(scanner interface{ Scan(dest ...any) error }) (*types.Incident, error) {
	var inc types.Incident
	var snapJSON string
	var diagJSON sql.NullString
	var closedAt sql.NullTime

	err := scanner.Scan(
		&inc.ID,
		&inc.Status,
		&inc.OpenedAt,
		&inc.OpeningVerdict,
		&snapJSON,
		&diagJSON,
		&inc.LastAction,
		&inc.Attempts,
		&inc.ResultVerdict,
		&inc.FinalVerdict,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}

	if snapJSON != "" && snapJSON != "{}" {
		var snap types.HealthSnapshot
		if err := json.Unmarshal([]byte(snapJSON), &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		inc.Snapshot = &snap
	}

	if diagJSON.Valid && diagJSON.String != "" {
		var diag types.Diagnosis
		if err := json.Unmarshal([]byte(diagJSON.String), &diag); err != nil {
			return nil, fmt.Errorf("failed to unmarshal diagnosis: %w", err)
		}
		inc.Diagnosis = &diag
	}

	if closedAt.Valid {
		t := closedAt.Time
		inc.ClosedAt = &t
	}

	return &inc, nil
}
