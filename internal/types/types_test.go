package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// TestVerdictIsValid verifies the closed set of verdict values
func TestVerdictIsValid(t *testing.T) {
	valid := []Verdict{VerdictHealthy, VerdictDegraded, VerdictUnreachable, VerdictCrashed}
	for _, v := range valid {
		if !v.IsValid() {
			t.Errorf("Verdict %q should be valid", v)
		}
	}

	invalid := []Verdict{"", "ok", "HEALTHY", "dead"}
	for _, v := range invalid {
		if v.IsValid() {
			t.Errorf("Verdict %q should be invalid", v)
		}
	}

	if !VerdictHealthy.IsHealthy() {
		t.Error("VerdictHealthy.IsHealthy() should be true")
	}
	if VerdictCrashed.IsHealthy() {
		t.Error("VerdictCrashed.IsHealthy() should be false")
	}
}

// TestSnapshotReachable verifies reachability is derived from connection
// outcome, not HTTP status
func TestSnapshotReachable(t *testing.T) {
	reachable := HealthSnapshot{Timestamp: time.Now(), HTTPStatus: 500, LatencyMS: 40}
	if !reachable.Reachable() {
		t.Error("snapshot with HTTP 500 response should be reachable")
	}

	refused := HealthSnapshot{Timestamp: time.Now(), ConnError: "connection refused"}
	if refused.Reachable() {
		t.Error("snapshot with connection error should not be reachable")
	}

	timedOut := HealthSnapshot{Timestamp: time.Now(), TimedOut: true}
	if timedOut.Reachable() {
		t.Error("timed-out snapshot should not be reachable")
	}
}

// TestSnapshotSummary verifies the one-line rendering covers the main cases
func TestSnapshotSummary(t *testing.T) {
	s := HealthSnapshot{
		Timestamp:      time.Now(),
		HTTPStatus:     200,
		LatencyMS:      12,
		ProcessChecked: true,
		ProcessAlive:   true,
		ServiceVersion: "1.4.2",
	}
	got := s.Summary()
	for _, want := range []string{"HTTP 200", "12ms", "process up", "1.4.2"} {
		if !strings.Contains(got, want) {
			t.Errorf("Summary() = %q, missing %q", got, want)
		}
	}

	down := HealthSnapshot{Timestamp: time.Now(), ConnError: "connection refused", ProcessChecked: true}
	got = down.Summary()
	for _, want := range []string{"connection failed", "process down"} {
		if !strings.Contains(got, want) {
			t.Errorf("Summary() = %q, missing %q", got, want)
		}
	}
}

// TestIncidentValidate verifies incident field validation
func TestIncidentValidate(t *testing.T) {
	now := time.Now()
	incident := Incident{
		ID:             1,
		Status:         IncidentOpen,
		OpenedAt:       now,
		OpeningVerdict: VerdictCrashed,
	}
	if err := incident.Validate(); err != nil {
		t.Errorf("Valid incident failed validation: %v", err)
	}

	// Healthy verdicts never open incidents
	healthy := incident
	healthy.OpeningVerdict = VerdictHealthy
	if err := healthy.Validate(); err == nil {
		t.Error("Incident with healthy opening verdict should fail validation")
	}

	// Resolved requires closed_at
	resolved := incident
	resolved.Status = IncidentResolved
	if err := resolved.Validate(); err == nil {
		t.Error("Resolved incident without closed_at should fail validation")
	}
	resolved.ClosedAt = &now
	if err := resolved.Validate(); err != nil {
		t.Errorf("Resolved incident with closed_at failed validation: %v", err)
	}

	// Unknown status
	bad := incident
	bad.Status = "pending"
	if err := bad.Validate(); err == nil {
		t.Error("Incident with unknown status should fail validation")
	}

	// Negative attempts
	neg := incident
	neg.Attempts = -1
	if err := neg.Validate(); err == nil {
		t.Error("Incident with negative attempts should fail validation")
	}
}

// TestIncidentIsOpen verifies unresolved incidents still count as open
func TestIncidentIsOpen(t *testing.T) {
	cases := []struct {
		status IncidentStatus
		open   bool
	}{
		{IncidentOpen, true},
		{IncidentUnresolved, true},
		{IncidentResolved, false},
	}
	for _, tc := range cases {
		i := Incident{Status: tc.status}
		if i.IsOpen() != tc.open {
			t.Errorf("Incident status %q: IsOpen() = %v, want %v", tc.status, i.IsOpen(), tc.open)
		}
	}
}

// TestParseRepairAction verifies free-form oracle output maps onto the
// whitelist and everything else degrades to NoOp
func TestParseRepairAction(t *testing.T) {
	tests := []struct {
		input string
		want  RepairAction
		ok    bool
	}{
		{"restart", ActionRestart, true},
		{"Restart", ActionRestart, true},
		{"  RESTART_SERVICE  ", ActionRestart, true},
		{"clear_lock", ActionClearLock, true},
		{"clear-lock", ActionClearLock, true},
		{"remove lock", ActionClearLock, true},
		{"rotate_logs", ActionRotateLogs, true},
		{"log rotation", ActionRotateLogs, true},
		{"reload_config", ActionReloadConfig, true},
		{"reload", ActionReloadConfig, true},
		{"noop", ActionNoOp, true},
		{"no-op", ActionNoOp, true},
		{"none", ActionNoOp, true},
		{"wait", ActionNoOp, true},
		{"rm -rf /", ActionNoOp, false},
		{"scale_up", ActionNoOp, false},
		{"", ActionNoOp, false},
	}

	for _, tt := range tests {
		got, ok := ParseRepairAction(tt.input)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseRepairAction(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.ok)
		}
	}
}

// TestRepairActionWhitelist verifies every listed action validates and the
// list is stable
func TestRepairActionWhitelist(t *testing.T) {
	actions := AllRepairActions()
	if len(actions) != 5 {
		t.Fatalf("Expected 5 whitelisted actions, got %d", len(actions))
	}
	for _, a := range actions {
		if !a.IsValid() {
			t.Errorf("Whitelisted action %q should be valid", a)
		}
	}
	if RepairAction("reboot").IsValid() {
		t.Error("Non-whitelisted action should be invalid")
	}
}

// TestDiagnosisRecommendedAction verifies nil and empty diagnoses degrade
// to NoOp
func TestDiagnosisRecommendedAction(t *testing.T) {
	var nilDiag *Diagnosis
	if got := nilDiag.RecommendedAction(); got != ActionNoOp {
		t.Errorf("nil diagnosis RecommendedAction() = %q, want noop", got)
	}

	empty := &Diagnosis{Source: DiagnosisFallback}
	if got := empty.RecommendedAction(); got != ActionNoOp {
		t.Errorf("empty diagnosis RecommendedAction() = %q, want noop", got)
	}

	ranked := &Diagnosis{
		Source:  DiagnosisOracle,
		Actions: []RepairAction{ActionClearLock, ActionRestart},
	}
	if got := ranked.RecommendedAction(); got != ActionClearLock {
		t.Errorf("RecommendedAction() = %q, want clear_lock", got)
	}
}

// TestSnapshotJSONRoundTrip verifies snapshots survive the trip through the
// incident store's JSON columns
func TestSnapshotJSONRoundTrip(t *testing.T) {
	orig := HealthSnapshot{
		Timestamp:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		HTTPStatus:     503,
		LatencyMS:      87,
		ProcessChecked: true,
		ProcessAlive:   true,
		PortChecked:    true,
		PortOpen:       true,
		LogTail:        []string{"line one", "line two"},
		ServiceStatus:  "degraded",
	}

	data, err := json.Marshal(&orig)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var got HealthSnapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if got.HTTPStatus != orig.HTTPStatus || got.LatencyMS != orig.LatencyMS {
		t.Errorf("Round trip changed probe fields: got %+v", got)
	}
	if len(got.LogTail) != 2 || got.LogTail[0] != "line one" {
		t.Errorf("Round trip changed log tail: got %v", got.LogTail)
	}
	if !got.Timestamp.Equal(orig.Timestamp) {
		t.Errorf("Round trip changed timestamp: got %v, want %v", got.Timestamp, orig.Timestamp)
	}
}

// TestEventKindIsValid verifies the audit event kinds
func TestEventKindIsValid(t *testing.T) {
	valid := []EventKind{EventOpened, EventDiagnosed, EventRepairAttempt, EventClosed, EventUnresolved, EventAnomaly, EventRotated}
	for _, k := range valid {
		if !k.IsValid() {
			t.Errorf("EventKind %q should be valid", k)
		}
	}
	if EventKind("reopened").IsValid() {
		t.Error("Unknown event kind should be invalid")
	}
}

// TestInstanceStatusIsValid verifies monitor instance status values
func TestInstanceStatusIsValid(t *testing.T) {
	if !InstanceRunning.IsValid() || !InstanceStopped.IsValid() {
		t.Error("running and stopped should both be valid")
	}
	if InstanceStatus("paused").IsValid() {
		t.Error("Unknown instance status should be invalid")
	}
}
