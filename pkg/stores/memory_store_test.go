package stores

import (
	"context"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/trueup-io/trueup/pkg/engine"
)

// TestMemoryStateRoundTrip tests enforced-state CRUD on the in-memory
// backend
func TestMemoryStateRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tag := "cloud.instance_|-alpha_|-alpha"
	state := map[string]interface{}{"resource_id": "alpha-id", "size": "large"}

	if err := store.SetState(ctx, tag, state); err != nil {
		t.Fatalf("failed to set state: %v", err)
	}

	got, err := store.GetState(ctx, tag)
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if !reflect.DeepEqual(got, state) {
		t.Errorf("expected state %v, got %v", state, got)
	}

	missing, err := store.GetState(ctx, "cloud.instance_|-missing_|-missing")
	if err != nil {
		t.Fatalf("expected no error for a missing tag, got %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil state, got %v", missing)
	}

	if err := store.DeleteState(ctx, tag); err != nil {
		t.Fatalf("failed to delete state: %v", err)
	}
	states, err := store.ListStates(ctx)
	if err != nil {
		t.Fatalf("failed to list states: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("expected no states after delete, got %d", len(states))
	}
}

// TestMemoryStateIsolation tests that stored entries never alias caller
// maps
func TestMemoryStateIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tag := "cloud.instance_|-alpha_|-alpha"
	state := map[string]interface{}{"size": "small"}

	if err := store.SetState(ctx, tag, state); err != nil {
		t.Fatalf("failed to set state: %v", err)
	}

	// Mutating the caller's map must not change the stored entry
	state["size"] = "large"
	got, err := store.GetState(ctx, tag)
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if got["size"] != "small" {
		t.Errorf("expected stored size small, got %v", got["size"])
	}

	// Mutating a returned map must not change the stored entry either
	got["size"] = "xlarge"
	again, err := store.GetState(ctx, tag)
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if again["size"] != "small" {
		t.Errorf("expected stored size small, got %v", again["size"])
	}
}

// TestMemoryRunsAndResults tests run history on the in-memory backend
func TestMemoryRunsAndResults(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	first := &RunRecord{ID: "run-001", Name: "deploy", Runtime: "serial", Status: engine.RunFinished, StartedAt: base, CreatedAt: base, UpdatedAt: base}
	second := &RunRecord{ID: "run-002", Name: "deploy", Runtime: "serial", Status: engine.RunRunning, StartedAt: base.Add(time.Minute), CreatedAt: base, UpdatedAt: base}
	other := &RunRecord{ID: "run-003", Name: "audit", Runtime: "serial", Status: engine.RunFinished, StartedAt: base.Add(2 * time.Minute), CreatedAt: base, UpdatedAt: base}
	for _, run := range []*RunRecord{first, second, other} {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("failed to save run: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, "deploy", 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-002" {
		t.Errorf("expected run-002 first, got %s", runs[0].ID)
	}

	// Upsert by ID
	second.Status = engine.RunFinished
	if err := store.SaveRun(ctx, second); err != nil {
		t.Fatalf("failed to update run: %v", err)
	}
	updated, err := store.GetRun(ctx, "run-002")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if updated.Status != engine.RunFinished {
		t.Errorf("expected status %s, got %s", engine.RunFinished, updated.Status)
	}

	succeeded := true
	res := &engine.Result{Tag: "cloud.instance_|-alpha_|-alpha_|-present", Name: "alpha", Result: &succeeded, StartTime: base}
	rec, err := NewResultRecord("run-001", res)
	if err != nil {
		t.Fatalf("failed to build result record: %v", err)
	}
	if err := store.SaveResult(ctx, rec); err != nil {
		t.Fatalf("failed to save result: %v", err)
	}
	if rec.ID == 0 {
		t.Error("expected the saved result to receive an ID")
	}

	records, err := store.ListResults(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 result, got %d", len(records))
	}
	if records[0].Tag != res.Tag {
		t.Errorf("expected tag %s, got %s", res.Tag, records[0].Tag)
	}
}

// TestMemoryEventLog tests the in-memory event log
func TestMemoryEventLog(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	runID := "run-001"

	if err := store.AppendEvent(ctx, &EventRecord{RunID: &runID, Profile: "trueup-run", Type: "state-result", Timestamp: time.Now()}); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if err := store.AppendEvent(ctx, &EventRecord{Profile: "trueup-status", Type: "state-status", Timestamp: time.Now()}); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	events, err := store.ListEvents(ctx, runID, 10, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected 1 event for the run, got %d", len(events))
	}

	all, err := store.ListEvents(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("failed to list all events: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 events, got %d", len(all))
	}
}

// TestMemoryLockLifecycle tests locking on the in-memory backend
func TestMemoryLockLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	pid := os.Getpid()

	if err := store.AcquireLock(ctx, "deploy", pid); err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}

	err := store.AcquireLock(ctx, "deploy", pid)
	if err == nil {
		t.Fatal("expected an error acquiring a held lock")
	}
	if !strings.Contains(err.Error(), "already active in process") {
		t.Errorf("expected the active holder message, got %q", err.Error())
	}

	if err := store.ReleaseLock(ctx, "deploy"); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}
	if err := store.AcquireLock(ctx, "deploy", pid); err != nil {
		t.Errorf("expected no error re-acquiring a released lock, got %v", err)
	}
}

// TestMemoryLockStaleHolderReplaced tests stealing a dead holder's lock
func TestMemoryLockStaleHolderReplaced(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.AcquireLock(ctx, "deploy", 999999999); err != nil {
		t.Fatalf("failed to plant stale lock: %v", err)
	}
	if err := store.AcquireLock(ctx, "deploy", os.Getpid()); err != nil {
		t.Errorf("expected a stale lock to be replaced, got %v", err)
	}
}
