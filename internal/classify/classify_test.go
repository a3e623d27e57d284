package classify

import (
	"testing"
	"time"

	"github.com/steveyegge/vigil/internal/config"
	"github.com/steveyegge/vigil/internal/types"
)

func newClassifier() *Classifier {
	return New(config.ProbeConfig{DegradedLatency: 2 * time.Second})
}

func healthySnap() *types.HealthSnapshot {
	return &types.HealthSnapshot{Timestamp: time.Now(), HTTPStatus: 200, LatencyMS: 20}
}

func errorSnap(status int) *types.HealthSnapshot {
	return &types.HealthSnapshot{Timestamp: time.Now(), HTTPStatus: status, LatencyMS: 30}
}

func refusedSnap() *types.HealthSnapshot {
	return &types.HealthSnapshot{Timestamp: time.Now(), ConnError: "connection refused"}
}

func timeoutSnap() *types.HealthSnapshot {
	return &types.HealthSnapshot{Timestamp: time.Now(), TimedOut: true}
}

func deadProcessSnap() *types.HealthSnapshot {
	return &types.HealthSnapshot{
		Timestamp:      time.Now(),
		ConnError:      "connection refused",
		ProcessChecked: true,
		ProcessAlive:   false,
	}
}

func TestClassifyPrecedence(t *testing.T) {
	c := newClassifier()

	tests := []struct {
		name string
		snap *types.HealthSnapshot
		prev types.Verdict
		want types.Verdict
	}{
		{"healthy 200", healthySnap(), types.VerdictHealthy, types.VerdictHealthy},
		{"healthy resets after crash", healthySnap(), types.VerdictCrashed, types.VerdictHealthy},
		{"healthy resets after degraded", healthySnap(), types.VerdictDegraded, types.VerdictHealthy},
		{"500 after healthy is degraded", errorSnap(500), types.VerdictHealthy, types.VerdictDegraded},
		{"503 after healthy is degraded", errorSnap(503), types.VerdictHealthy, types.VerdictDegraded},
		{"refused after healthy is unreachable", refusedSnap(), types.VerdictHealthy, types.VerdictUnreachable},
		{"timeout after healthy is unreachable", timeoutSnap(), types.VerdictHealthy, types.VerdictUnreachable},
		{"dead process crashes immediately", deadProcessSnap(), types.VerdictHealthy, types.VerdictCrashed},
		{"dead process crashes even on first cycle", deadProcessSnap(), "", types.VerdictCrashed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.snap, tt.prev)
			if got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyEscalation(t *testing.T) {
	c := newClassifier()

	tests := []struct {
		name string
		snap *types.HealthSnapshot
		prev types.Verdict
		want types.Verdict
	}{
		{"second 500 escalates", errorSnap(500), types.VerdictDegraded, types.VerdictCrashed},
		{"degraded after unreachable escalates", errorSnap(500), types.VerdictUnreachable, types.VerdictCrashed},
		{"second timeout escalates", timeoutSnap(), types.VerdictUnreachable, types.VerdictCrashed},
		{"unreachable after degraded escalates", refusedSnap(), types.VerdictDegraded, types.VerdictCrashed},
		{"bad reading after crash stays crashed", errorSnap(500), types.VerdictCrashed, types.VerdictCrashed},
		{"first-cycle 500 does not escalate", errorSnap(500), "", types.VerdictDegraded},
		{"first-cycle refused does not escalate", refusedSnap(), "", types.VerdictUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.snap, tt.prev)
			if got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestClassifyDebounce walks the sequence that must never open an incident
// (healthy, one bad reading, healthy) and the one that must (two bad
// readings in a row).
func TestClassifyDebounce(t *testing.T) {
	c := newClassifier()

	// Single flap: healthy -> degraded -> healthy. The middle verdict stays
	// below crashed.
	v := c.Classify(healthySnap(), "")
	if v != types.VerdictHealthy {
		t.Fatalf("step 1: got %q", v)
	}
	v = c.Classify(errorSnap(500), v)
	if v != types.VerdictDegraded {
		t.Fatalf("step 2: flap should be degraded, got %q", v)
	}
	v = c.Classify(healthySnap(), v)
	if v != types.VerdictHealthy {
		t.Fatalf("step 3: recovery should be healthy, got %q", v)
	}

	// Sustained failure: healthy -> degraded -> crashed.
	v = c.Classify(errorSnap(500), v)
	if v != types.VerdictDegraded {
		t.Fatalf("step 4: got %q", v)
	}
	v = c.Classify(errorSnap(500), v)
	if v != types.VerdictCrashed {
		t.Fatalf("step 5: second consecutive failure should crash, got %q", v)
	}
}

func TestClassifyLatency(t *testing.T) {
	c := newClassifier()

	slow := &types.HealthSnapshot{Timestamp: time.Now(), HTTPStatus: 200, LatencyMS: 3500}
	if got := c.Classify(slow, types.VerdictHealthy); got != types.VerdictDegraded {
		t.Errorf("slow 200 should be degraded, got %q", got)
	}

	borderline := &types.HealthSnapshot{Timestamp: time.Now(), HTTPStatus: 200, LatencyMS: 2000}
	if got := c.Classify(borderline, types.VerdictHealthy); got != types.VerdictHealthy {
		t.Errorf("latency at the threshold should still be healthy, got %q", got)
	}

	// Threshold disabled
	unbounded := New(config.ProbeConfig{DegradedLatency: 0})
	if got := unbounded.Classify(slow, types.VerdictHealthy); got != types.VerdictHealthy {
		t.Errorf("with no threshold slow 200 is healthy, got %q", got)
	}
}

func TestClassifyPayloadStatus(t *testing.T) {
	c := newClassifier()

	tests := []struct {
		status string
		want   types.Verdict
	}{
		{"ok", types.VerdictHealthy},
		{"OK", types.VerdictHealthy},
		{"healthy", types.VerdictHealthy},
		{"ready", types.VerdictHealthy},
		{"", types.VerdictHealthy}, // payload status is optional
		{"degraded", types.VerdictDegraded},
		{"starting", types.VerdictDegraded},
		{"draining", types.VerdictDegraded},
	}

	for _, tt := range tests {
		snap := healthySnap()
		snap.ServiceStatus = tt.status
		if got := c.Classify(snap, types.VerdictHealthy); got != tt.want {
			t.Errorf("status %q: Classify() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

// TestClassifyIsPure verifies repeated calls with identical inputs agree.
func TestClassifyIsPure(t *testing.T) {
	c := newClassifier()
	snap := errorSnap(500)
	first := c.Classify(snap, types.VerdictDegraded)
	for i := 0; i < 10; i++ {
		if got := c.Classify(snap, types.VerdictDegraded); got != first {
			t.Fatalf("call %d: got %q, first call got %q", i, got, first)
		}
	}
}
