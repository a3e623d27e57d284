package sqlite

const schema = `
-- Incidents table
-- One row per outage window, from crash verdict to resolution
CREATE TABLE IF NOT EXISTS incidents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open', 'unresolved', 'resolved')),
    opened_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    opening_verdict TEXT NOT NULL CHECK(opening_verdict IN ('degraded', 'unreachable', 'crashed')),
    snapshot TEXT NOT NULL DEFAULT '{}',
    diagnosis TEXT,
    last_action TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0 CHECK(attempts >= 0),
    result_verdict TEXT NOT NULL DEFAULT '',
    final_verdict TEXT NOT NULL DEFAULT '',
    closed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);
CREATE INDEX IF NOT EXISTS idx_incidents_opened_at ON incidents(opened_at);

-- At most one incident may be active (open or unresolved) at a time.
-- Unique index over a constant expression makes the database enforce it
-- even if two monitor processes race.
CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_one_active ON incidents((1)) WHERE status != 'resolved';

-- Incident events table (audit trail)
-- Append-only record of every state transition within an incident
CREATE TABLE IF NOT EXISTS incident_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    incident_id INTEGER NOT NULL,
    kind TEXT NOT NULL CHECK(kind IN ('opened', 'diagnosed', 'repair_attempt', 'closed', 'marked_unresolved', 'reopened', 'anomaly', 'rotated')),
    actor TEXT NOT NULL DEFAULT 'monitor',
    message TEXT NOT NULL,
    data TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (incident_id) REFERENCES incidents(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_incident_events_incident ON incident_events(incident_id);
CREATE INDEX IF NOT EXISTS idx_incident_events_kind ON incident_events(kind);
CREATE INDEX IF NOT EXISTS idx_incident_events_created_at ON incident_events(created_at);

-- Cycles table
-- One row per monitoring cycle, scheduled or forced
CREATE TABLE IF NOT EXISTS cycles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id TEXT NOT NULL UNIQUE,
    timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    verdict TEXT NOT NULL CHECK(verdict IN ('healthy', 'degraded', 'unreachable', 'crashed')),
    http_status INTEGER NOT NULL DEFAULT 0,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    forced INTEGER NOT NULL DEFAULT 0,
    incident_id INTEGER,
    note TEXT NOT NULL DEFAULT '',
    FOREIGN KEY (incident_id) REFERENCES incidents(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_cycles_timestamp ON cycles(timestamp);
CREATE INDEX IF NOT EXISTS idx_cycles_verdict ON cycles(verdict);

-- Monitor instances table
-- Tracks monitor processes for heartbeat reporting and stale detection
CREATE TABLE IF NOT EXISTS monitor_instances (
    instance_id TEXT PRIMARY KEY,
    hostname TEXT NOT NULL,
    pid INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running', 'stopped')),
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_heartbeat DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    version TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_monitor_instances_status ON monitor_instances(status);
CREATE INDEX IF NOT EXISTS idx_monitor_instances_heartbeat ON monitor_instances(last_heartbeat);

-- Config table
-- Store-level metadata: schema version, rotation bookkeeping
CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
