package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/steveyegge/vigil/internal/types"
)

func TestRecordCycle(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()

	rec := &types.CycleRecord{
		CycleID:    "cycle-abc",
		Timestamp:  time.Now().UTC(),
		Verdict:    types.VerdictHealthy,
		HTTPStatus: 200,
		LatencyMS:  42,
	}
	if err := db.RecordCycle(ctx, rec); err != nil {
		t.Fatalf("Failed to record cycle: %v", err)
	}
	if rec.ID <= 0 {
		t.Errorf("Expected positive cycle id, got %d", rec.ID)
	}

	cycles, err := db.RecentCycles(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to get recent cycles: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("Expected 1 cycle, got %d", len(cycles))
	}
	if cycles[0].Verdict != types.VerdictHealthy {
		t.Errorf("Verdict mismatch: got %s", cycles[0].Verdict)
	}
	if cycles[0].HTTPStatus != 200 {
		t.Errorf("HTTP status mismatch: got %d", cycles[0].HTTPStatus)
	}
	if cycles[0].LatencyMS != 42 {
		t.Errorf("Latency mismatch: got %d", cycles[0].LatencyMS)
	}
	if cycles[0].Forced {
		t.Error("Expected forced=false")
	}
}

func TestRecordCycleValidation(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()

	if err := db.RecordCycle(ctx, nil); err == nil {
		t.Error("Expected error for nil record")
	}
	if err := db.RecordCycle(ctx, &types.CycleRecord{Verdict: types.VerdictHealthy}); err == nil {
		t.Error("Expected error for missing cycle id")
	}
	if err := db.RecordCycle(ctx, &types.CycleRecord{CycleID: "x", Verdict: "bogus"}); err == nil {
		t.Error("Expected error for invalid verdict")
	}
}

func TestRecordCycleDuplicateID(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()

	rec := &types.CycleRecord{CycleID: "dup", Verdict: types.VerdictHealthy}
	if err := db.RecordCycle(ctx, rec); err != nil {
		t.Fatalf("Failed to record cycle: %v", err)
	}
	if err := db.RecordCycle(ctx, &types.CycleRecord{CycleID: "dup", Verdict: types.VerdictHealthy}); err == nil {
		t.Error("Expected error for duplicate cycle id")
	}
}

func TestRecordCycleWithIncident(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()

	inc, _, err := db.OpenIncident(ctx, types.VerdictCrashed, nil)
	if err != nil {
		t.Fatalf("Failed to open incident: %v", err)
	}

	rec := &types.CycleRecord{
		CycleID:    "cycle-with-incident",
		Verdict:    types.VerdictCrashed,
		IncidentID: &inc.ID,
		Forced:     true,
		Note:       "second consecutive failure",
	}
	if err := db.RecordCycle(ctx, rec); err != nil {
		t.Fatalf("Failed to record cycle: %v", err)
	}

	cycles, err := db.RecentCycles(ctx, 1)
	if err != nil {
		t.Fatalf("Failed to get cycles: %v", err)
	}
	if cycles[0].IncidentID == nil || *cycles[0].IncidentID != inc.ID {
		t.Error("Incident link not preserved")
	}
	if !cycles[0].Forced {
		t.Error("Forced flag not preserved")
	}
	if cycles[0].Note != "second consecutive failure" {
		t.Errorf("Note mismatch: got %q", cycles[0].Note)
	}
}

func TestRecentCyclesOrdering(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()

	verdicts := []types.Verdict{
		types.VerdictHealthy,
		types.VerdictDegraded,
		types.VerdictCrashed,
	}
	for i, v := range verdicts {
		rec := &types.CycleRecord{
			CycleID: fmt.Sprintf("cycle-%d", i),
			Verdict: v,
		}
		if err := db.RecordCycle(ctx, rec); err != nil {
			t.Fatalf("Failed to record cycle %d: %v", i, err)
		}
	}

	cycles, err := db.RecentCycles(ctx, 2)
	if err != nil {
		t.Fatalf("Failed to get recent cycles: %v", err)
	}
	if len(cycles) != 2 {
		t.Fatalf("Expected 2 cycles, got %d", len(cycles))
	}
	// Newest first
	if cycles[0].Verdict != types.VerdictCrashed {
		t.Errorf("Expected crashed first, got %s", cycles[0].Verdict)
	}
	if cycles[1].Verdict != types.VerdictDegraded {
		t.Errorf("Expected degraded second, got %s", cycles[1].Verdict)
	}
}

func TestLastVerdict(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()

	// Empty store has no verdict
	verdict, err := db.LastVerdict(ctx)
	if err != nil {
		t.Fatalf("Failed to get last verdict: %v", err)
	}
	if verdict != "" {
		t.Errorf("Expected empty verdict on empty store, got %s", verdict)
	}

	for i, v := range []types.Verdict{types.VerdictHealthy, types.VerdictDegraded} {
		rec := &types.CycleRecord{CycleID: fmt.Sprintf("lv-%d", i), Verdict: v}
		if err := db.RecordCycle(ctx, rec); err != nil {
			t.Fatalf("Failed to record cycle: %v", err)
		}
	}

	verdict, err = db.LastVerdict(ctx)
	if err != nil {
		t.Fatalf("Failed to get last verdict: %v", err)
	}
	if verdict != types.VerdictDegraded {
		t.Errorf("Expected degraded, got %s", verdict)
	}
}
