// Package repair executes whitelisted remediation actions against the
// monitored service. Every action is idempotent: running one twice leaves
// the system in the same state as running it once, so an interrupted cycle
// can always be replayed safely.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/vigil/internal/classify"
	"github.com/steveyegge/vigil/internal/config"
	"github.com/steveyegge/vigil/internal/types"
)

// ErrCapExceeded reports that an incident has used up its repair attempt
// budget. The caller marks the incident unresolved and stops automatic
// repairs; a forced repair resets the budget through the store.
var ErrCapExceeded = errors.New("repair attempt cap exceeded")

// Prober is the health check the repairer re-runs after executing an action.
type Prober interface {
	Check(ctx context.Context) (*types.HealthSnapshot, error)
}

// Repairer executes exactly one whitelisted action per invocation and
// observes the result with a bounded re-probe.
type Repairer struct {
	target     config.TargetConfig
	cfg        config.RepairConfig
	prober     Prober
	classifier *classify.Classifier
}

// New creates a repairer for the configured target.
func New(target config.TargetConfig, cfg config.RepairConfig, prober Prober, classifier *classify.Classifier) *Repairer {
	return &Repairer{
		target:     target,
		cfg:        cfg,
		prober:     prober,
		classifier: classifier,
	}
}

// Repair executes action against the target and re-probes to observe the
// post-repair verdict. The incident's attempt count gates execution: once
// Attempts reaches the configured cap, Repair returns ErrCapExceeded
// without touching the service.
//
// Action failures do not produce an error; they come back in the outcome
// with Success=false so the caller can count the attempt and decide
// whether the budget allows another. Repair errors only on a nil or capped
// incident, a non-whitelisted action, or cancellation.
func (r *Repairer) Repair(ctx context.Context, incident *types.Incident, action types.RepairAction) (*types.RepairOutcome, error) {
	if incident == nil {
		return nil, fmt.Errorf("incident cannot be nil")
	}
	if !action.IsValid() {
		return nil, fmt.Errorf("action %q is not on the whitelist", action)
	}
	if incident.Attempts >= r.cfg.MaxAttempts {
		return nil, fmt.Errorf("incident %d spent %d of %d attempts: %w",
			incident.ID, incident.Attempts, r.cfg.MaxAttempts, ErrCapExceeded)
	}

	slog.Info("executing repair",
		"incident", incident.ID,
		"action", string(action),
		"attempt", incident.Attempts+1,
		"max_attempts", r.cfg.MaxAttempts)

	start := time.Now()
	outcome := r.execute(ctx, action)
	outcome.Duration = time.Since(start)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !outcome.Success {
		slog.Warn("repair action failed",
			"incident", incident.ID,
			"action", string(action),
			"error", outcome.Error)
	}

	verdict, err := r.recheck(ctx, action, r.priorVerdict(incident))
	if err != nil {
		return nil, err
	}
	outcome.VerdictAfter = verdict

	slog.Info("repair verified",
		"incident", incident.ID,
		"action", string(action),
		"success", outcome.Success,
		"verdict_after", string(verdict))
	return outcome, nil
}

// priorVerdict is the verdict history the post-repair classification
// continues from: the last observed verdict for this incident, or the one
// that opened it.
func (r *Repairer) priorVerdict(incident *types.Incident) types.Verdict {
	if incident.ResultVerdict.IsValid() {
		return incident.ResultVerdict
	}
	return incident.OpeningVerdict
}

// recheck observes the post-repair state. It waits for the service to
// settle, probes, and when the first look is still unhealthy after a
// mutating action, grants one more delay and probes again. The retry
// absorbs startup lag rather than building new verdict history, so both
// looks classify against the same prior verdict.
func (r *Repairer) recheck(ctx context.Context, action types.RepairAction, prev types.Verdict) (types.Verdict, error) {
	if err := r.settle(ctx); err != nil {
		return "", err
	}
	snap, err := r.prober.Check(ctx)
	if err != nil {
		return "", err
	}
	verdict := r.classifier.Classify(snap, prev)
	if verdict.IsHealthy() || action == types.ActionNoOp {
		return verdict, nil
	}

	if err := r.settle(ctx); err != nil {
		return "", err
	}
	snap, err = r.prober.Check(ctx)
	if err != nil {
		return "", err
	}
	return r.classifier.Classify(snap, prev), nil
}

// settle sleeps for the configured recheck delay, honoring cancellation.
func (r *Repairer) settle(ctx context.Context) error {
	if r.cfg.RecheckDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(r.cfg.RecheckDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
