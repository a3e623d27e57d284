// Package oracle produces root-cause diagnoses for health incidents.
//
// The primary diagnostician consults the Anthropic API with a bounded
// excerpt of probe evidence. A rule engine provides offline fallback so
// the repair path keeps moving when the oracle is disabled, unreachable,
// or returns garbage. Diagnoses are always advisory: every suggested
// action is validated against the repair whitelist before anything runs.
package oracle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/steveyegge/vigil/internal/config"
	"github.com/steveyegge/vigil/internal/types"
)

// ErrOracleUnavailable reports that the reasoning service produced no
// usable diagnosis: the call failed, timed out, or returned garbage.
// It never fails a cycle; the fallback rule engine answers instead.
var ErrOracleUnavailable = errors.New("oracle unavailable")

// Diagnostician turns an incident's evidence into a diagnosis.
type Diagnostician interface {
	Diagnose(ctx context.Context, in *IncidentContext) (*types.Diagnosis, error)
}

// IncidentContext bundles everything a diagnostician may consider: the
// triggering snapshot, the incident so far, and a short window of recent
// cycles for trend context.
type IncidentContext struct {
	// Target is the display name of the supervised service
	Target string

	// HealthURL is the probed endpoint, included in prompts for context
	HealthURL string

	// Verdict is the classification that opened or continued the incident
	Verdict types.Verdict

	// PrevVerdict is the verdict from the preceding cycle
	PrevVerdict types.Verdict

	// Snapshot is the probe evidence from the current cycle
	Snapshot *types.HealthSnapshot

	// Incident carries attempt history when repairs have already run.
	// Nil on the first diagnosis of a fresh incident.
	Incident *types.Incident

	// RecentCycles is a newest-first window of prior cycle records
	RecentCycles []*types.CycleRecord
}

// Attempts returns how many repair attempts the incident has consumed.
func (in *IncidentContext) Attempts() int {
	if in == nil || in.Incident == nil {
		return 0
	}
	return in.Incident.Attempts
}

// New builds the diagnostician stack for the given configuration: the
// reasoning service when enabled and credentialed, backed by the offline
// rule engine. The result never leaves the monitor without a diagnosis;
// oracle failures degrade to rules rather than erroring out.
func New(cfg config.OracleConfig) Diagnostician {
	rules := NewRuleEngine()

	if !cfg.Enabled {
		slog.Info("oracle disabled, diagnoses come from the rule engine")
		return rules
	}

	oracle, err := NewOracle(cfg)
	if err != nil {
		slog.Warn("oracle unavailable, diagnoses come from the rule engine", "error", err)
		return rules
	}

	return WithFallback(oracle, rules)
}

// WithFallback chains two diagnosticians: primary first, fallback on any
// primary error. The fallback's verdict is final.
func WithFallback(primary, fallback Diagnostician) Diagnostician {
	return &fallbackDiagnostician{primary: primary, fallback: fallback}
}

type fallbackDiagnostician struct {
	primary  Diagnostician
	fallback Diagnostician
}

func (d *fallbackDiagnostician) Diagnose(ctx context.Context, in *IncidentContext) (*types.Diagnosis, error) {
	diag, err := d.primary.Diagnose(ctx, in)
	if err == nil {
		return diag, nil
	}

	// Cancellation is the caller's signal, not an oracle failure
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	slog.Warn("oracle diagnosis failed, falling back to rules", "error", err)
	return d.fallback.Diagnose(ctx, in)
}
