package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/steveyegge/vigil/internal/types"
)

func TestAddIncidentEvent(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()

	inc, _, err := db.OpenIncident(ctx, types.VerdictCrashed, nil)
	if err != nil {
		t.Fatalf("Failed to open incident: %v", err)
	}

	event := &types.IncidentEvent{
		IncidentID: inc.ID,
		Kind:       types.EventRepairAttempt,
		Actor:      "monitor",
		Message:    "restart attempt 1 of 3",
		Data:       `{"action":"restart","success":true}`,
	}
	if err := db.AddIncidentEvent(ctx, event); err != nil {
		t.Fatalf("Failed to add event: %v", err)
	}
	if event.ID <= 0 {
		t.Errorf("Expected positive event id, got %d", event.ID)
	}

	events, err := db.GetIncidentEvents(ctx, inc.ID, 0)
	if err != nil {
		t.Fatalf("Failed to get events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	// Chronological order: opened first, then the repair attempt
	if events[0].Kind != types.EventOpened {
		t.Errorf("First event kind mismatch: got %s", events[0].Kind)
	}
	if events[1].Kind != types.EventRepairAttempt {
		t.Errorf("Second event kind mismatch: got %s", events[1].Kind)
	}
	if events[1].Data != `{"action":"restart","success":true}` {
		t.Errorf("Event data mismatch: got %q", events[1].Data)
	}
}

func TestAddIncidentEventValidation(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()

	if err := db.AddIncidentEvent(ctx, nil); err == nil {
		t.Error("Expected error for nil event")
	}

	err := db.AddIncidentEvent(ctx, &types.IncidentEvent{
		IncidentID: 1,
		Kind:       types.EventKind("bogus"),
		Message:    "test",
	})
	if err == nil {
		t.Error("Expected error for invalid kind")
	}

	err = db.AddIncidentEvent(ctx, &types.IncidentEvent{
		Kind:    types.EventAnomaly,
		Message: "no incident",
	})
	if err == nil {
		t.Error("Expected error for missing incident id")
	}

	// Foreign key rejects events for incidents that do not exist
	err = db.AddIncidentEvent(ctx, &types.IncidentEvent{
		IncidentID: 9999,
		Kind:       types.EventAnomaly,
		Message:    "orphan",
	})
	if err == nil {
		t.Error("Expected error for nonexistent incident")
	}
}

func TestAddIncidentEventDefaults(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()

	inc, _, err := db.OpenIncident(ctx, types.VerdictCrashed, nil)
	if err != nil {
		t.Fatalf("Failed to open incident: %v", err)
	}

	event := &types.IncidentEvent{
		IncidentID: inc.ID,
		Kind:       types.EventAnomaly,
		Message:    "oracle suggested non-whitelisted action",
	}
	if err := db.AddIncidentEvent(ctx, event); err != nil {
		t.Fatalf("Failed to add event: %v", err)
	}

	events, err := db.GetIncidentEvents(ctx, inc.ID, 0)
	if err != nil {
		t.Fatalf("Failed to get events: %v", err)
	}
	last := events[len(events)-1]
	if last.Actor != "monitor" {
		t.Errorf("Expected default actor monitor, got %q", last.Actor)
	}
	if last.Data != "{}" {
		t.Errorf("Expected default data {}, got %q", last.Data)
	}
	if last.CreatedAt.IsZero() {
		t.Error("Expected created_at to be stamped")
	}
}

func TestGetRecentEvents(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()

	inc, _, err := db.OpenIncident(ctx, types.VerdictCrashed, nil)
	if err != nil {
		t.Fatalf("Failed to open incident: %v", err)
	}

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		event := &types.IncidentEvent{
			IncidentID: inc.ID,
			Kind:       types.EventRepairAttempt,
			Message:    "attempt",
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if err := db.AddIncidentEvent(ctx, event); err != nil {
			t.Fatalf("Failed to add event %d: %v", i, err)
		}
	}

	events, err := db.GetRecentEvents(ctx, 2)
	if err != nil {
		t.Fatalf("Failed to get recent events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	// Newest first
	if events[0].CreatedAt.Before(events[1].CreatedAt) {
		t.Error("Expected newest event first")
	}
}

func TestGetEventsAfter(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()

	inc, _, err := db.OpenIncident(ctx, types.VerdictCrashed, nil)
	if err != nil {
		t.Fatalf("Failed to open incident: %v", err)
	}

	base := time.Now().UTC()
	early := &types.IncidentEvent{
		IncidentID: inc.ID,
		Kind:       types.EventDiagnosed,
		Message:    "early",
		CreatedAt:  base.Add(1 * time.Second),
	}
	late := &types.IncidentEvent{
		IncidentID: inc.ID,
		Kind:       types.EventRepairAttempt,
		Message:    "late",
		CreatedAt:  base.Add(10 * time.Second),
	}
	if err := db.AddIncidentEvent(ctx, early); err != nil {
		t.Fatalf("Failed to add early event: %v", err)
	}
	if err := db.AddIncidentEvent(ctx, late); err != nil {
		t.Fatalf("Failed to add late event: %v", err)
	}

	events, err := db.GetEventsAfter(ctx, base.Add(5*time.Second), 0)
	if err != nil {
		t.Fatalf("Failed to get events after: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event after cutoff, got %d", len(events))
	}
	if events[0].Message != "late" {
		t.Errorf("Wrong event returned: got %q", events[0].Message)
	}
}
