package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/steveyegge/vigil/internal/types"
)

func TestRegisterInstance(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()
	now := time.Now()

	instance := &types.MonitorInstance{
		InstanceID:    "mon-a",
		Hostname:      "host-a",
		PID:           4242,
		Status:        types.InstanceRunning,
		StartedAt:     now,
		LastHeartbeat: now,
		Version:       "1.2.0",
	}
	if err := db.RegisterInstance(ctx, instance); err != nil {
		t.Fatalf("Failed to register instance: %v", err)
	}

	instances, err := db.GetActiveInstances(ctx)
	if err != nil {
		t.Fatalf("Failed to get active instances: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("Expected 1 active instance, got %d", len(instances))
	}

	got := instances[0]
	if got.InstanceID != "mon-a" {
		t.Errorf("Instance ID mismatch: got %s", got.InstanceID)
	}
	if got.Hostname != "host-a" || got.PID != 4242 {
		t.Errorf("Row mismatch: got %s pid %d", got.Hostname, got.PID)
	}
	if got.Version != "1.2.0" {
		t.Errorf("Version mismatch: got %s", got.Version)
	}
}

func TestRegisterInstanceUpsert(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()
	now := time.Now()

	instance := &types.MonitorInstance{
		InstanceID:    "mon-a",
		Hostname:      "host-a",
		PID:           4242,
		Status:        types.InstanceRunning,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	if err := db.RegisterInstance(ctx, instance); err != nil {
		t.Fatalf("Failed to register instance: %v", err)
	}

	// Registering the same ID again replaces the row instead of adding
	// a second one
	instance.Hostname = "host-b"
	instance.PID = 4300
	if err := db.RegisterInstance(ctx, instance); err != nil {
		t.Fatalf("Failed to re-register instance: %v", err)
	}

	instances, err := db.GetActiveInstances(ctx)
	if err != nil {
		t.Fatalf("Failed to get active instances: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("Expected 1 active instance after upsert, got %d", len(instances))
	}
	if instances[0].Hostname != "host-b" || instances[0].PID != 4300 {
		t.Errorf("Upsert did not replace the row: %+v", instances[0])
	}
}

func TestRegisterInstanceValidation(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()

	if err := db.RegisterInstance(ctx, nil); err == nil {
		t.Error("Expected error for nil instance")
	}

	err := db.RegisterInstance(ctx, &types.MonitorInstance{
		Hostname: "host",
		PID:      1,
		Status:   types.InstanceRunning,
	})
	if err == nil {
		t.Error("Expected error for missing instance id")
	}
}

func TestUpdateHeartbeat(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()
	started := time.Now().Add(-time.Hour)

	instance := &types.MonitorInstance{
		InstanceID:    "test-instance-1",
		Hostname:      "test-host",
		PID:           12345,
		Status:        types.InstanceRunning,
		StartedAt:     started,
		LastHeartbeat: started,
	}
	if err := db.RegisterInstance(ctx, instance); err != nil {
		t.Fatalf("Failed to register instance: %v", err)
	}

	if err := db.UpdateHeartbeat(ctx, "test-instance-1"); err != nil {
		t.Fatalf("Failed to update heartbeat: %v", err)
	}

	instances, err := db.GetActiveInstances(ctx)
	if err != nil {
		t.Fatalf("Failed to get active instances: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("Expected 1 instance, got %d", len(instances))
	}
	if !instances[0].LastHeartbeat.After(started) {
		t.Error("Heartbeat not advanced")
	}
}

func TestUpdateHeartbeatNotFound(t *testing.T) {
	db := setupTestDB(t)

	if err := db.UpdateHeartbeat(context.Background(), "no-such-instance"); err == nil {
		t.Error("Expected error for unknown instance")
	}
}

func TestMarkInstanceStopped(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()
	now := time.Now()

	instance := &types.MonitorInstance{
		InstanceID:    "test-instance-1",
		Hostname:      "test-host",
		PID:           12345,
		Status:        types.InstanceRunning,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	if err := db.RegisterInstance(ctx, instance); err != nil {
		t.Fatalf("Failed to register instance: %v", err)
	}

	if err := db.MarkInstanceStopped(ctx, "test-instance-1"); err != nil {
		t.Fatalf("Failed to mark stopped: %v", err)
	}

	instances, err := db.GetActiveInstances(ctx)
	if err != nil {
		t.Fatalf("Failed to get active instances: %v", err)
	}
	if len(instances) != 0 {
		t.Errorf("Expected no active instances after stop, got %d", len(instances))
	}

	if err := db.MarkInstanceStopped(ctx, "no-such-instance"); err == nil {
		t.Error("Expected error for unknown instance")
	}
}

func TestCleanupStaleInstances(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()
	now := time.Now()

	stale := &types.MonitorInstance{
		InstanceID:    "stale-instance",
		Hostname:      "test-host",
		PID:           11111,
		Status:        types.InstanceRunning,
		StartedAt:     now.Add(-2 * time.Hour),
		LastHeartbeat: now.Add(-time.Hour),
	}
	fresh := &types.MonitorInstance{
		InstanceID:    "fresh-instance",
		Hostname:      "test-host",
		PID:           22222,
		Status:        types.InstanceRunning,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	if err := db.RegisterInstance(ctx, stale); err != nil {
		t.Fatalf("Failed to register stale instance: %v", err)
	}
	if err := db.RegisterInstance(ctx, fresh); err != nil {
		t.Fatalf("Failed to register fresh instance: %v", err)
	}

	cleaned, err := db.CleanupStaleInstances(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("Failed to cleanup stale instances: %v", err)
	}
	if cleaned != 1 {
		t.Errorf("Expected 1 instance cleaned, got %d", cleaned)
	}

	instances, err := db.GetActiveInstances(ctx)
	if err != nil {
		t.Fatalf("Failed to get active instances: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("Expected 1 active instance, got %d", len(instances))
	}
	if instances[0].InstanceID != "fresh-instance" {
		t.Errorf("Wrong instance survived: got %s", instances[0].InstanceID)
	}
}

func TestDeleteOldStoppedInstances(t *testing.T) {
	db := setupTestDB(t)

	ctx := context.Background()
	now := time.Now()

	// Three stopped instances with progressively older heartbeats
	for i := 0; i < 3; i++ {
		instance := &types.MonitorInstance{
			InstanceID:    fmt.Sprintf("stopped-%d", i),
			Hostname:      "test-host",
			PID:           1000 + i,
			Status:        types.InstanceStopped,
			StartedAt:     now.Add(-48 * time.Hour),
			LastHeartbeat: now.Add(-time.Duration(24+i) * time.Hour),
		}
		if err := db.RegisterInstance(ctx, instance); err != nil {
			t.Fatalf("Failed to register instance %d: %v", i, err)
		}
	}

	// Running instances are never deleted
	running := &types.MonitorInstance{
		InstanceID:    "running-1",
		Hostname:      "test-host",
		PID:           9999,
		Status:        types.InstanceRunning,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	if err := db.RegisterInstance(ctx, running); err != nil {
		t.Fatalf("Failed to register running instance: %v", err)
	}

	// Delete stopped instances older than 1h, keeping the newest 1
	deleted, err := db.DeleteOldStoppedInstances(ctx, time.Hour, 1)
	if err != nil {
		t.Fatalf("Failed to delete old instances: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 instances deleted, got %d", deleted)
	}

	instances, err := db.GetActiveInstances(ctx)
	if err != nil {
		t.Fatalf("Failed to get active instances: %v", err)
	}
	if len(instances) != 1 || instances[0].InstanceID != "running-1" {
		t.Error("Running instance should be untouched")
	}
}
