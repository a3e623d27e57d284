package oracle

import (
	"context"
	"strings"
	"time"

	"github.com/steveyegge/vigil/internal/types"
)

// RuleEngine is the offline diagnostician. It maps probe symptoms onto
// repair plans with fixed heuristics and modest confidence, so incidents
// keep moving when the oracle cannot be reached. It never fails.
type RuleEngine struct{}

// NewRuleEngine creates the rule-based diagnostician.
func NewRuleEngine() *RuleEngine {
	return &RuleEngine{}
}

// Diagnose evaluates the rule table against the incident evidence.
func (r *RuleEngine) Diagnose(_ context.Context, in *IncidentContext) (*types.Diagnosis, error) {
	diag := evaluateRules(in)
	diag.Source = types.DiagnosisFallback
	diag.CreatedAt = time.Now().UTC()
	return diag, nil
}

// evaluateRules walks the rule table, first match wins. Log evidence
// outranks verdict shape because a named failure in the tail is more
// specific than reachability alone.
func evaluateRules(in *IncidentContext) *types.Diagnosis {
	if in == nil || in.Snapshot == nil {
		return ruleDiagnosis(
			"no probe evidence is available for this cycle",
			"no evidence",
			0.1,
			types.ActionNoOp)
	}
	s := in.Snapshot

	if tailContains(s, "no space left on device", "disk full", "database or disk is full") {
		return ruleDiagnosis(
			"the service host is out of disk space; the service log is the most likely consumer",
			"disk full",
			0.7,
			types.ActionRotateLogs, types.ActionRestart)
	}

	if tailContains(s, "stale lock", "lock file exists", "could not acquire lock", "failed to acquire lock", "already locked") {
		return ruleDiagnosis(
			"the service cannot acquire its lock, most likely left behind by an unclean shutdown",
			"stale lock",
			0.65,
			types.ActionClearLock, types.ActionRestart)
	}

	if tailContains(s, "address already in use", "bind: address") {
		return ruleDiagnosis(
			"a previous service process still holds the listen port",
			"port held by old process",
			0.7,
			types.ActionRestart)
	}

	if tailContains(s, "panic:", "fatal error:", "segmentation fault", "out of memory", "killed") {
		return ruleDiagnosis(
			"the service crashed; the log tail ends in a fatal error",
			"fatal error in log",
			0.75,
			types.ActionRestart)
	}

	if tailContains(s, "invalid config", "config error", "configuration error", "failed to parse config", "failed to load config") {
		return ruleDiagnosis(
			"the service is rejecting its configuration",
			"config error",
			0.6,
			types.ActionReloadConfig, types.ActionRestart)
	}

	switch in.Verdict {
	case types.VerdictCrashed:
		return ruleDiagnosis(
			"the service process is not running",
			"process down",
			0.8,
			types.ActionRestart)

	case types.VerdictUnreachable:
		if s.TimedOut {
			return ruleDiagnosis(
				"the service accepts connections but requests hang; it appears wedged",
				"requests hang",
				0.6,
				types.ActionRestart)
		}
		return ruleDiagnosis(
			"the health endpoint is unreachable although the process may still be alive",
			"endpoint unreachable",
			0.6,
			types.ActionRestart)

	case types.VerdictDegraded:
		if s.HTTPStatus >= 500 {
			return ruleDiagnosis(
				"the service is up but serving errors",
				"serving errors",
				0.55,
				types.ActionRestart)
		}
		// Plain latency degradation often clears on its own; wait one
		// cycle before reaching for a restart.
		if in.Attempts() == 0 {
			return ruleDiagnosis(
				"the service responds slowly, which may be transient load",
				"slow responses",
				0.4,
				types.ActionNoOp, types.ActionRestart)
		}
		return ruleDiagnosis(
			"the service is still responding slowly after waiting a cycle",
			"persistent slow responses",
			0.5,
			types.ActionRestart)
	}

	return ruleDiagnosis(
		"no rule matched the observed symptoms",
		"unknown",
		0.2,
		types.ActionNoOp)
}

func ruleDiagnosis(rootCause, summary string, confidence float64, actions ...types.RepairAction) *types.Diagnosis {
	return &types.Diagnosis{
		RootCause:  rootCause,
		Summary:    summary,
		Actions:    actions,
		Confidence: confidence,
	}
}

// tailContains reports whether any log line contains any of the terms,
// case-insensitively.
func tailContains(s *types.HealthSnapshot, terms ...string) bool {
	for _, line := range s.LogTail {
		lower := strings.ToLower(line)
		for _, term := range terms {
			if strings.Contains(lower, term) {
				return true
			}
		}
	}
	return false
}
