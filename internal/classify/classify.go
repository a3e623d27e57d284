// Package classify turns health snapshots into verdicts. Classification is
// a pure function of the snapshot and the previous verdict, which keeps
// every decision replayable from the incident store.
package classify

import (
	"net/http"
	"strings"
	"time"

	"github.com/steveyegge/vigil/internal/config"
	"github.com/steveyegge/vigil/internal/types"
)

// Classifier derives verdicts from snapshots.
type Classifier struct {
	degradedLatency time.Duration
}

// New creates a classifier using the probe's latency threshold.
func New(cfg config.ProbeConfig) *Classifier {
	return &Classifier{degradedLatency: cfg.DegradedLatency}
}

// Classify returns the verdict for snap given the previous cycle's verdict.
//
// Precedence, highest first:
//  1. process known dead: crashed
//  2. second consecutive non-healthy reading: crashed
//  3. no HTTP response at all: unreachable
//  4. reachable but wrong (non-200, slow 200, payload not ok): degraded
//  5. otherwise healthy
//
// The escalation rule means a single bad reading never counts as a crash
// unless the process is provably gone, and two in a row always does. A
// healthy reading resets everything immediately.
func (c *Classifier) Classify(snap *types.HealthSnapshot, prev types.Verdict) types.Verdict {
	current := c.observe(snap)

	if current == types.VerdictHealthy || current == types.VerdictCrashed {
		return current
	}
	if prev.IsValid() && !prev.IsHealthy() {
		return types.VerdictCrashed
	}
	return current
}

// observe is the single-snapshot judgment, before history is considered.
func (c *Classifier) observe(snap *types.HealthSnapshot) types.Verdict {
	if snap.ProcessChecked && !snap.ProcessAlive {
		return types.VerdictCrashed
	}
	if !snap.Reachable() {
		return types.VerdictUnreachable
	}
	if snap.HTTPStatus != http.StatusOK {
		return types.VerdictDegraded
	}
	if c.degradedLatency > 0 && time.Duration(snap.LatencyMS)*time.Millisecond > c.degradedLatency {
		return types.VerdictDegraded
	}
	if snap.ServiceStatus != "" && !statusOK(snap.ServiceStatus) {
		return types.VerdictDegraded
	}
	return types.VerdictHealthy
}

// statusOK interprets the free-form status field a health payload carries.
func statusOK(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "ok", "healthy", "up", "ready", "pass", "passing", "green":
		return true
	}
	return false
}
