package types

import (
	"fmt"
	"strings"
	"time"
)

// Verdict is the classifier's discrete health judgment for one probe cycle.
type Verdict string

const (
	VerdictHealthy     Verdict = "healthy"
	VerdictDegraded    Verdict = "degraded"
	VerdictUnreachable Verdict = "unreachable"
	VerdictCrashed     Verdict = "crashed"
)

// IsValid checks if the verdict value is valid
func (v Verdict) IsValid() bool {
	switch v {
	case VerdictHealthy, VerdictDegraded, VerdictUnreachable, VerdictCrashed:
		return true
	}
	return false
}

// IsHealthy reports whether the verdict requires no attention.
func (v Verdict) IsHealthy() bool {
	return v == VerdictHealthy
}

// HealthSnapshot is the result of a single probe cycle. Immutable once
// created; connection failures are encoded in fields, never as probe errors.
type HealthSnapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	HTTPStatus     int       `json:"http_status,omitempty"` // 0 when the service was unreachable
	LatencyMS      int64     `json:"latency_ms,omitempty"`
	ConnError      string    `json:"conn_error,omitempty"`
	TimedOut       bool      `json:"timed_out,omitempty"`
	ProcessChecked bool      `json:"process_checked"`
	ProcessAlive   bool      `json:"process_alive"`
	PortChecked    bool      `json:"port_checked"`
	PortOpen       bool      `json:"port_open"`
	LogTail        []string  `json:"log_tail,omitempty"`
	LogSizeBytes   int64     `json:"log_size_bytes,omitempty"`
	ServiceStatus  string    `json:"service_status,omitempty"`  // status field from the health payload
	ServiceVersion string    `json:"service_version,omitempty"` // version field from the health payload
}

// Reachable reports whether the HTTP probe got any response at all.
func (s *HealthSnapshot) Reachable() bool {
	return s.ConnError == "" && !s.TimedOut && s.HTTPStatus > 0
}

// Summary renders a one-line human-readable description of the snapshot.
func (s *HealthSnapshot) Summary() string {
	var b strings.Builder
	if s.Reachable() {
		fmt.Fprintf(&b, "HTTP %d in %dms", s.HTTPStatus, s.LatencyMS)
	} else if s.TimedOut {
		b.WriteString("HTTP timeout")
	} else if s.ConnError != "" {
		fmt.Fprintf(&b, "connection failed: %s", s.ConnError)
	} else {
		b.WriteString("not probed")
	}
	if s.ProcessChecked {
		if s.ProcessAlive {
			b.WriteString(", process up")
		} else {
			b.WriteString(", process down")
		}
	}
	if s.PortChecked {
		if s.PortOpen {
			b.WriteString(", port open")
		} else {
			b.WriteString(", port closed")
		}
	}
	if s.ServiceVersion != "" {
		fmt.Fprintf(&b, ", version %s", s.ServiceVersion)
	}
	return b.String()
}

// IncidentStatus tracks an incident through its lifecycle.
// Unresolved incidents have exhausted the repair budget but remain open
// for human attention; only resolved incidents are closed.
type IncidentStatus string

const (
	IncidentOpen       IncidentStatus = "open"
	IncidentUnresolved IncidentStatus = "unresolved"
	IncidentResolved   IncidentStatus = "resolved"
)

// IsValid checks if the incident status value is valid
func (s IncidentStatus) IsValid() bool {
	switch s {
	case IncidentOpen, IncidentUnresolved, IncidentResolved:
		return true
	}
	return false
}

// Incident records the span from detection of a non-healthy verdict through
// resolution or exhaustion of repair attempts.
type Incident struct {
	ID             int64           `json:"id"`
	Status         IncidentStatus  `json:"status"`
	OpenedAt       time.Time       `json:"opened_at"`
	OpeningVerdict Verdict         `json:"opening_verdict"`
	Snapshot       *HealthSnapshot `json:"snapshot,omitempty"` // the snapshot that triggered the incident
	Diagnosis      *Diagnosis      `json:"diagnosis,omitempty"`
	LastAction     RepairAction    `json:"last_action,omitempty"`
	Attempts       int             `json:"attempts"`
	ResultVerdict  Verdict         `json:"result_verdict,omitempty"` // verdict observed after the last repair
	FinalVerdict   Verdict         `json:"final_verdict,omitempty"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
}

// IsOpen reports whether the incident still demands attention.
// Unresolved incidents count as open: the at-most-one-open invariant
// covers them, and a later healthy probe still closes them.
func (i *Incident) IsOpen() bool {
	return i.Status == IncidentOpen || i.Status == IncidentUnresolved
}

// Validate checks if the incident has valid field values
func (i *Incident) Validate() error {
	if !i.Status.IsValid() {
		return fmt.Errorf("invalid incident status: %s", i.Status)
	}
	if !i.OpeningVerdict.IsValid() {
		return fmt.Errorf("invalid opening verdict: %s", i.OpeningVerdict)
	}
	if i.OpeningVerdict == VerdictHealthy {
		return fmt.Errorf("incident cannot open on a healthy verdict")
	}
	if i.Attempts < 0 {
		return fmt.Errorf("attempts cannot be negative (got %d)", i.Attempts)
	}
	if i.Status == IncidentResolved && i.ClosedAt == nil {
		return fmt.Errorf("resolved incident requires closed_at")
	}
	return nil
}

// DiagnosisSource records who produced a diagnosis.
type DiagnosisSource string

const (
	// DiagnosisOracle means the external reasoning service produced it.
	DiagnosisOracle DiagnosisSource = "oracle"
	// DiagnosisFallback means the offline rule engine produced it after
	// the oracle was unavailable.
	DiagnosisFallback DiagnosisSource = "fallback"
)

// IsValid checks if the diagnosis source value is valid
func (s DiagnosisSource) IsValid() bool {
	switch s {
	case DiagnosisOracle, DiagnosisFallback:
		return true
	}
	return false
}

// Diagnosis is a root-cause hypothesis plus a ranked remediation plan.
// Always advisory: actions are re-validated against the whitelist before
// anything executes.
type Diagnosis struct {
	Source    DiagnosisSource `json:"source"`
	RootCause string          `json:"root_cause"`
	Summary   string          `json:"summary,omitempty"`
	Actions   []RepairAction  `json:"actions,omitempty"` // ranked, best first

	// RejectedActions keeps any oracle suggestions that failed whitelist
	// validation, so the monitor can record them as anomalies.
	RejectedActions []string `json:"rejected_actions,omitempty"`

	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecommendedAction returns the top-ranked action, or NoOp when the
// diagnosis proposes nothing executable.
func (d *Diagnosis) RecommendedAction() RepairAction {
	if d == nil || len(d.Actions) == 0 {
		return ActionNoOp
	}
	return d.Actions[0]
}

// RepairAction is one of the fixed whitelist of remediation operations.
// The whitelist is closed: oracle output never executes verbatim.
type RepairAction string

const (
	ActionRestart      RepairAction = "restart"
	ActionClearLock    RepairAction = "clear_lock"
	ActionRotateLogs   RepairAction = "rotate_logs"
	ActionReloadConfig RepairAction = "reload_config"
	ActionNoOp         RepairAction = "noop"
)

// IsValid checks if the repair action value is valid
func (a RepairAction) IsValid() bool {
	switch a {
	case ActionRestart, ActionClearLock, ActionRotateLogs, ActionReloadConfig, ActionNoOp:
		return true
	}
	return false
}

// AllRepairActions lists the whitelist in a stable order, for help text
// and oracle prompts.
func AllRepairActions() []RepairAction {
	return []RepairAction{ActionRestart, ActionClearLock, ActionRotateLogs, ActionReloadConfig, ActionNoOp}
}

// ParseRepairAction maps free-form text onto the whitelist. It tolerates
// case, surrounding whitespace, and the common aliases oracles produce.
// Anything unrecognized returns (ActionNoOp, false) so callers can log the
// anomaly without ever executing unvetted output.
func ParseRepairAction(s string) (RepairAction, bool) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.ReplaceAll(normalized, " ", "_")

	switch normalized {
	case "restart", "restart_service", "restart_container", "restart_server":
		return ActionRestart, true
	case "clear_lock", "clearlock", "remove_lock", "clear_stale_lock":
		return ActionClearLock, true
	case "rotate_logs", "rotatelogs", "rotate_log", "log_rotation":
		return ActionRotateLogs, true
	case "reload_config", "reloadconfig", "reload", "reload_configuration":
		return ActionReloadConfig, true
	case "noop", "no_op", "none", "nothing", "wait":
		return ActionNoOp, true
	}
	return ActionNoOp, false
}

// RepairOutcome is the observable result of executing one whitelisted action.
type RepairOutcome struct {
	Action       RepairAction  `json:"action"`
	Success      bool          `json:"success"`
	Output       string        `json:"output,omitempty"`
	Error        string        `json:"error,omitempty"`
	VerdictAfter Verdict       `json:"verdict_after"`
	Duration     time.Duration `json:"duration"`
}

// CycleRecord is the append-only per-cycle log line: one row per monitoring
// cycle regardless of outcome. This is the rolling window used for flap
// detection and the `logs` surface.
type CycleRecord struct {
	ID         int64     `json:"id"`
	CycleID    string    `json:"cycle_id"` // UUID correlating events from the same cycle
	Timestamp  time.Time `json:"timestamp"`
	Verdict    Verdict   `json:"verdict"`
	HTTPStatus int       `json:"http_status,omitempty"`
	LatencyMS  int64     `json:"latency_ms,omitempty"`
	Forced     bool      `json:"forced,omitempty"`
	IncidentID *int64    `json:"incident_id,omitempty"`
	Note       string    `json:"note,omitempty"`
}

// EventKind categorizes incident state transitions in the audit trail.
type EventKind string

const (
	EventOpened        EventKind = "opened"
	EventDiagnosed     EventKind = "diagnosed"
	EventRepairAttempt EventKind = "repair_attempt"
	EventClosed        EventKind = "closed"
	EventUnresolved    EventKind = "marked_unresolved"
	EventReopened      EventKind = "reopened" // forced repair reset the attempt budget
	EventAnomaly       EventKind = "anomaly"  // e.g. oracle suggested a non-whitelisted action
	EventRotated       EventKind = "rotated"  // store rotation carried this incident over
)

// IsValid checks if the event kind value is valid
func (k EventKind) IsValid() bool {
	switch k {
	case EventOpened, EventDiagnosed, EventRepairAttempt, EventClosed, EventUnresolved, EventReopened, EventAnomaly, EventRotated:
		return true
	}
	return false
}

// IncidentEvent is one append-only audit record: one row per incident state
// transition.
type IncidentEvent struct {
	ID         int64     `json:"id"`
	IncidentID int64     `json:"incident_id"`
	Kind       EventKind `json:"kind"`
	Actor      string    `json:"actor"` // "monitor", "cli", "console"
	Message    string    `json:"message"`
	Data       string    `json:"data,omitempty"` // JSON payload (snapshot, outcome, diagnosis)
	CreatedAt  time.Time `json:"created_at"`
}

// InstanceStatus tracks whether a monitor instance is running.
type InstanceStatus string

const (
	InstanceRunning InstanceStatus = "running"
	InstanceStopped InstanceStatus = "stopped"
)

// IsValid checks if the instance status value is valid
func (s InstanceStatus) IsValid() bool {
	switch s {
	case InstanceRunning, InstanceStopped:
		return true
	}
	return false
}

// MonitorInstance identifies a running `vigil start` process so status and
// stop can find it across process boundaries.
type MonitorInstance struct {
	InstanceID    string         `json:"instance_id"`
	Hostname      string         `json:"hostname"`
	PID           int            `json:"pid"`
	Status        InstanceStatus `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Version       string         `json:"version,omitempty"`
}

// Validate checks that the instance record is well formed
func (m *MonitorInstance) Validate() error {
	if m.InstanceID == "" {
		return fmt.Errorf("instance id is required")
	}
	if m.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if m.PID <= 0 {
		return fmt.Errorf("pid must be positive, got %d", m.PID)
	}
	if !m.Status.IsValid() {
		return fmt.Errorf("invalid instance status: %s", m.Status)
	}
	return nil
}
