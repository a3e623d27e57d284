package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/vigil/internal/metrics"
	"github.com/steveyegge/vigil/internal/oracle"
	"github.com/steveyegge/vigil/internal/repair"
	"github.com/steveyegge/vigil/internal/types"
)

// recentCycleWindow is how many prior cycles ride along in the oracle's
// incident context.
const recentCycleWindow = 10

var (
	// ErrCycleInFlight reports a check that found the cycle gate held.
	ErrCycleInFlight = errors.New("a monitoring cycle is already running")

	// ErrStoreCorruption wraps store failures that abort a cycle. The
	// scheduler logs it and keeps probing; the CLI maps it to an exit code.
	ErrStoreCorruption = errors.New("incident store unreadable or corrupt")
)

// CycleOptions shape one run of the cycle pipeline. The zero value is a
// scheduled cycle.
type CycleOptions struct {
	// Forced marks an operator-initiated cycle in the cycle record.
	Forced bool

	// BypassDebounce opens an incident on the first non-healthy reading
	// instead of waiting for the classifier's escalation.
	BypassDebounce bool

	// Action pins the repair action, skipping diagnosis. Empty means
	// diagnose and use the recommendation.
	Action types.RepairAction

	// Actor names who drove this cycle in the audit trail. Empty means
	// "monitor".
	Actor string
}

// CycleResult reports what one cycle observed and did.
type CycleResult struct {
	CycleID  string
	Verdict  types.Verdict
	Snapshot *types.HealthSnapshot

	// Incident is the incident this cycle touched, in its state after the
	// cycle's writes. Nil when the service was healthy with nothing open.
	Incident  *types.Incident
	Diagnosis *types.Diagnosis
	Outcome   *types.RepairOutcome

	// CapExceeded reports that the incident has spent its attempt budget
	// and automatic repair is suppressed.
	CapExceeded bool

	// Debounced reports a first degraded or unreachable reading that was
	// noted but did not open an incident.
	Debounced bool
}

// RunCycle executes one probe-classify-diagnose-repair-record pass. It can
// be called on a started monitor (scheduled cycles share the same gate) or
// on a bare one for one-shot CLI checks. When the gate is held it returns
// ErrCycleInFlight immediately rather than queuing.
func (m *Monitor) RunCycle(ctx context.Context, opts CycleOptions) (*CycleResult, error) {
	select {
	case m.gate <- struct{}{}:
	default:
		return nil, ErrCycleInFlight
	}
	defer func() { <-m.gate }()

	if opts.Action != "" && !opts.Action.IsValid() {
		return nil, fmt.Errorf("action %q is not on the whitelist", opts.Action)
	}

	prev, err := m.priorVerdict(ctx)
	if err != nil {
		return nil, err
	}

	m.maybeRotate(ctx)

	snap, err := m.prober.Check(ctx)
	if err != nil {
		return nil, err
	}
	metrics.ObserveProbe(time.Duration(snap.LatencyMS)*time.Millisecond, snap.Reachable())

	result := &CycleResult{
		CycleID:  uuid.New().String(),
		Verdict:  m.classifier.Classify(snap, prev),
		Snapshot: snap,
	}

	if result.Verdict.IsHealthy() {
		err = m.handleHealthy(ctx, result)
	} else {
		err = m.handleUnhealthy(ctx, result, opts)
	}
	if err != nil {
		return nil, err
	}

	if err := m.recordCycle(ctx, result, opts); err != nil {
		return nil, err
	}

	m.prev = result.Verdict
	m.prevLoaded = true

	metrics.ObserveCycle(result.Verdict)
	return result, nil
}

// priorVerdict returns the previous cycle's verdict, reading it from the
// store the first time so escalation history survives process boundaries.
func (m *Monitor) priorVerdict(ctx context.Context) (types.Verdict, error) {
	if m.prevLoaded {
		return m.prev, nil
	}
	v, err := m.store.LastVerdict(ctx)
	if err != nil {
		return "", m.storeErr("load last verdict", err)
	}
	m.prev = v
	m.prevLoaded = true
	return v, nil
}

// maybeRotate archives the store when it outgrows the configured threshold.
// Rotation failures are logged, not fatal: a full disk should not stop
// probing.
func (m *Monitor) maybeRotate(ctx context.Context) {
	limit := m.cfg.Store.RotateBytes
	if limit <= 0 {
		return
	}

	size, err := m.store.SizeBytes()
	if err != nil {
		slog.Warn("store size check failed", "error", err)
		return
	}
	metrics.SetStoreSize(size)
	if size < limit {
		return
	}

	archive, err := m.store.Rotate(ctx, m.cfg.Store.RetainCycles)
	if err != nil {
		slog.Warn("store rotation failed", "size_bytes", size, "error", err)
		return
	}
	slog.Warn("store rotated", "archive", archive, "size_bytes", size)

	if fresh, err := m.store.SizeBytes(); err == nil {
		metrics.SetStoreSize(fresh)
	}
}

// handleHealthy closes whatever incident is open, including unresolved
// ones. Recovery by any means ends the incident.
func (m *Monitor) handleHealthy(ctx context.Context, result *CycleResult) error {
	open, err := m.store.GetOpenIncident(ctx)
	if err != nil {
		return m.storeErr("load open incident", err)
	}
	if open == nil {
		return nil
	}

	if err := m.store.CloseIncident(ctx, open.ID, types.VerdictHealthy); err != nil {
		return m.storeErr("close incident", err)
	}
	metrics.IncidentClosed()
	slog.Info("incident closed, service recovered",
		"incident", open.ID,
		"open_for", time.Since(open.OpenedAt).Round(time.Second))

	closed, err := m.store.GetIncident(ctx, open.ID)
	if err != nil {
		return m.storeErr("reload incident", err)
	}
	result.Incident = closed
	return nil
}

// handleUnhealthy opens or continues an incident and drives it through
// diagnosis and repair, honoring the debounce, the unresolved parking, and
// the attempt cap.
func (m *Monitor) handleUnhealthy(ctx context.Context, result *CycleResult, opts CycleOptions) error {
	incident, err := m.store.GetOpenIncident(ctx)
	if err != nil {
		return m.storeErr("load open incident", err)
	}

	if incident == nil {
		// Degraded and unreachable must repeat before anything acts; the
		// classifier escalates the second consecutive reading to crashed.
		// Crashed itself acts immediately.
		if result.Verdict != types.VerdictCrashed && !opts.BypassDebounce {
			result.Debounced = true
			slog.Info("non-healthy verdict noted, awaiting confirmation", "verdict", result.Verdict)
			return nil
		}

		created := false
		incident, created, err = m.store.OpenIncident(ctx, result.Verdict, result.Snapshot)
		if err != nil {
			return m.storeErr("open incident", err)
		}
		if created {
			metrics.IncidentOpened()
			slog.Warn("incident opened",
				"incident", incident.ID,
				"verdict", result.Verdict,
				"snapshot", result.Snapshot.Summary())
		}
	}
	result.Incident = incident

	// A parked incident spent its budget. Only a forced repair, which
	// reopens it with a fresh budget first, or a healthy probe moves it.
	if incident.Status == types.IncidentUnresolved {
		result.CapExceeded = true
		slog.Info("incident unresolved, automatic repair suppressed",
			"incident", incident.ID, "attempts", incident.Attempts)
		return nil
	}

	if incident.Attempts >= m.cfg.Repair.MaxAttempts {
		// Budget gone but status never moved; an earlier cycle was cut off
		// between the attempt and the bookkeeping. Park it now.
		if err := m.parkUnresolved(ctx, result, incident); err != nil {
			return err
		}
		return nil
	}

	action := opts.Action
	if action == "" {
		diag, err := m.diagnose(ctx, result, incident, opts.Actor)
		if err != nil {
			return err
		}
		action = diag.RecommendedAction()
	}

	return m.attemptRepair(ctx, result, incident, action, opts)
}

// diagnose consults the diagnostician with the full incident context and
// records the result on the incident. Runs before every attempt so later
// diagnoses see what was already tried.
func (m *Monitor) diagnose(ctx context.Context, result *CycleResult, incident *types.Incident, actor string) (*types.Diagnosis, error) {
	in := &oracle.IncidentContext{
		Target:      m.cfg.Target.Name,
		HealthURL:   m.cfg.Target.HealthURL,
		Verdict:     result.Verdict,
		PrevVerdict: m.prev,
		Snapshot:    result.Snapshot,
		Incident:    incident,
	}
	if recent, err := m.store.RecentCycles(ctx, recentCycleWindow); err == nil {
		in.RecentCycles = recent
	}

	diag, err := m.diag.Diagnose(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The stacked diagnostician falls back to rules on its own, so an
		// error here means a bare oracle was injected. Synthesize the
		// conservative default rather than stall the repair path.
		slog.Warn("diagnosis failed, defaulting to restart", "incident", incident.ID, "error", err)
		diag = &types.Diagnosis{
			Source:     types.DiagnosisFallback,
			RootCause:  "diagnosis unavailable",
			Summary:    fmt.Sprintf("diagnosis failed (%v), defaulting to restart", err),
			Actions:    []types.RepairAction{types.ActionRestart},
			Confidence: 0,
			CreatedAt:  time.Now().UTC(),
		}
	}
	metrics.ObserveDiagnosis(diag.Source)

	result.Diagnosis = diag
	incident.Diagnosis = diag
	if err := m.store.UpdateIncident(ctx, incident); err != nil {
		return nil, m.storeErr("record diagnosis", err)
	}
	msg := fmt.Sprintf("%s (source %s, confidence %.2f)", diag.RootCause, diag.Source, diag.Confidence)
	if err := m.addEvent(ctx, incident.ID, types.EventDiagnosed, actor, msg, diag); err != nil {
		return nil, err
	}

	if len(diag.RejectedActions) > 0 {
		slog.Warn("oracle suggested non-whitelisted actions",
			"incident", incident.ID, "rejected", diag.RejectedActions)
		msg := "oracle suggested non-whitelisted actions: " + strings.Join(diag.RejectedActions, ", ")
		if err := m.addEvent(ctx, incident.ID, types.EventAnomaly, actor, msg, nil); err != nil {
			return nil, err
		}
	}

	slog.Info("incident diagnosed",
		"incident", incident.ID,
		"source", diag.Source,
		"root_cause", diag.RootCause,
		"action", diag.RecommendedAction())
	return diag, nil
}

// attemptRepair executes the action, books the attempt on the incident, and
// settles the incident state from the post-repair verdict.
func (m *Monitor) attemptRepair(ctx context.Context, result *CycleResult, incident *types.Incident, action types.RepairAction, opts CycleOptions) error {
	outcome, err := m.repairer.Repair(ctx, incident, action)
	if errors.Is(err, repair.ErrCapExceeded) {
		// The repairer's own gate caught a budget the store view missed.
		return m.parkUnresolved(ctx, result, incident)
	}
	if err != nil {
		return err
	}

	result.Outcome = outcome
	result.Verdict = outcome.VerdictAfter
	metrics.ObserveRepair(outcome.Action, outcome.Success)

	incident.Attempts++
	incident.LastAction = outcome.Action
	incident.ResultVerdict = outcome.VerdictAfter
	if err := m.store.UpdateIncident(ctx, incident); err != nil {
		return m.storeErr("record repair attempt", err)
	}
	msg := fmt.Sprintf("attempt %d/%d: %s, verdict after: %s",
		incident.Attempts, m.cfg.Repair.MaxAttempts, describeOutcome(outcome), outcome.VerdictAfter)
	if err := m.addEvent(ctx, incident.ID, types.EventRepairAttempt, opts.Actor, msg, outcome); err != nil {
		return err
	}

	if outcome.VerdictAfter.IsHealthy() {
		if err := m.store.CloseIncident(ctx, incident.ID, types.VerdictHealthy); err != nil {
			return m.storeErr("close incident", err)
		}
		metrics.IncidentClosed()
		slog.Info("repair restored service",
			"incident", incident.ID,
			"action", outcome.Action,
			"attempt", incident.Attempts)

		closed, err := m.store.GetIncident(ctx, incident.ID)
		if err != nil {
			return m.storeErr("reload incident", err)
		}
		result.Incident = closed
		return nil
	}

	slog.Warn("repair did not restore service",
		"incident", incident.ID,
		"action", outcome.Action,
		"attempt", incident.Attempts,
		"verdict_after", outcome.VerdictAfter)

	if incident.Attempts >= m.cfg.Repair.MaxAttempts {
		return m.parkUnresolved(ctx, result, incident)
	}
	return nil
}

// parkUnresolved marks the incident unresolved and flags the result. Later
// scheduled cycles will keep probing but stop repairing.
func (m *Monitor) parkUnresolved(ctx context.Context, result *CycleResult, incident *types.Incident) error {
	if err := m.store.MarkIncidentUnresolved(ctx, incident.ID); err != nil {
		return m.storeErr("mark incident unresolved", err)
	}
	metrics.IncidentUnresolved()
	incident.Status = types.IncidentUnresolved
	result.CapExceeded = true
	slog.Warn("repair attempts exhausted, operator attention required",
		"incident", incident.ID, "attempts", incident.Attempts)
	return nil
}

func (m *Monitor) addEvent(ctx context.Context, incidentID int64, kind types.EventKind, actor, message string, payload any) error {
	if actor == "" {
		actor = "monitor"
	}
	event := &types.IncidentEvent{
		IncidentID: incidentID,
		Kind:       kind,
		Actor:      actor,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			event.Data = string(data)
		}
	}
	if err := m.store.AddIncidentEvent(ctx, event); err != nil {
		return m.storeErr("record incident event", err)
	}
	return nil
}

func (m *Monitor) recordCycle(ctx context.Context, result *CycleResult, opts CycleOptions) error {
	rec := &types.CycleRecord{
		CycleID:   result.CycleID,
		Timestamp: time.Now().UTC(),
		Verdict:   result.Verdict,
		Forced:    opts.Forced,
		Note:      cycleNote(result),
	}
	if snap := result.Snapshot; snap != nil {
		rec.HTTPStatus = snap.HTTPStatus
		rec.LatencyMS = snap.LatencyMS
	}
	if result.Incident != nil {
		id := result.Incident.ID
		rec.IncidentID = &id
	}
	if err := m.store.RecordCycle(ctx, rec); err != nil {
		return m.storeErr("record cycle", err)
	}
	return nil
}

func cycleNote(result *CycleResult) string {
	switch {
	case result.Debounced:
		return "awaiting confirmation"
	case result.CapExceeded && result.Outcome == nil:
		return "automatic repair suppressed"
	case result.Outcome != nil:
		return "repair " + string(result.Outcome.Action)
	case result.Incident != nil && result.Incident.Status == types.IncidentResolved:
		return "recovered"
	}
	return ""
}

func describeOutcome(o *types.RepairOutcome) string {
	if o.Success {
		return fmt.Sprintf("%s succeeded in %s", o.Action, o.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s failed (%s)", o.Action, o.Error)
}
