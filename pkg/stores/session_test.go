package stores

import (
	"context"
	"strings"
	"testing"

	"github.com/trueup-io/trueup/pkg/engine"
)

func seededStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.SetState(ctx, "cloud.instance_|-alpha_|-alpha_|-", map[string]interface{}{"size": "small"}); err != nil {
		t.Fatalf("failed to seed state: %v", err)
	}
	if err := store.SetState(ctx, "cloud.volume_|-beta_|-beta_|-", map[string]interface{}{"attached": true}); err != nil {
		t.Fatalf("failed to seed state: %v", err)
	}
	return store
}

// TestSessionLoadsExistingState tests that opening a session exposes the
// recorded states
func TestSessionLoadsExistingState(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	session, err := OpenSession(ctx, store, "deploy", false)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	defer session.Close(ctx)

	state, ok := session.Get("cloud.instance_|-alpha_|-alpha_|-")
	if !ok {
		t.Fatal("expected the seeded instance state")
	}
	if state["size"] != "small" {
		t.Errorf("expected size small, got %v", state["size"])
	}

	if len(session.Tags()) != 2 {
		t.Errorf("expected 2 tags, got %d", len(session.Tags()))
	}

	if _, ok := session.Get("cloud.address_|-gamma_|-gamma_|-"); ok {
		t.Error("expected no state for an unrecorded tag")
	}
}

// TestSessionPersistsOnClose tests the write-back of sets and deletes
func TestSessionPersistsOnClose(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	session, err := OpenSession(ctx, store, "deploy", false)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}

	session.Set("cloud.address_|-gamma_|-gamma_|-", map[string]interface{}{"address": "203.0.113.7"})
	session.Delete("cloud.volume_|-beta_|-beta_|-")

	if err := session.Close(ctx); err != nil {
		t.Fatalf("failed to close session: %v", err)
	}

	added, err := store.GetState(ctx, "cloud.address_|-gamma_|-gamma_|-")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if added == nil || added["address"] != "203.0.113.7" {
		t.Errorf("expected the new state to persist, got %v", added)
	}

	removed, err := store.GetState(ctx, "cloud.volume_|-beta_|-beta_|-")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if removed != nil {
		t.Errorf("expected the deleted state to be gone, got %v", removed)
	}

	kept, err := store.GetState(ctx, "cloud.instance_|-alpha_|-alpha_|-")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if kept == nil || kept["size"] != "small" {
		t.Errorf("expected the untouched state to survive, got %v", kept)
	}
}

// TestSessionReadOnlyDiscards tests that a read-only session never
// mutates the store
func TestSessionReadOnlyDiscards(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	session, err := OpenSession(ctx, store, "deploy", true)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}

	session.Set("cloud.address_|-gamma_|-gamma_|-", map[string]interface{}{"address": "203.0.113.7"})
	session.Delete("cloud.instance_|-alpha_|-alpha_|-")

	if err := session.Close(ctx); err != nil {
		t.Fatalf("failed to close session: %v", err)
	}

	states, err := store.ListStates(ctx)
	if err != nil {
		t.Fatalf("failed to list states: %v", err)
	}
	if len(states) != 2 {
		t.Errorf("expected the store untouched with 2 states, got %d", len(states))
	}
	if _, ok := states["cloud.instance_|-alpha_|-alpha_|-"]; !ok {
		t.Error("expected the deleted tag to survive in the store")
	}
}

// TestSessionHoldsRunLock tests that a session blocks a second opener
func TestSessionHoldsRunLock(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session, err := OpenSession(ctx, store, "deploy", false)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}

	_, err = OpenSession(ctx, store, "deploy", false)
	if err == nil {
		t.Fatal("expected an error opening a locked run")
	}
	if !strings.Contains(err.Error(), "already active in process") {
		t.Errorf("expected the active holder message, got %q", err.Error())
	}

	// Another run name is free
	other, err := OpenSession(ctx, store, "audit", false)
	if err != nil {
		t.Fatalf("expected no error opening another run, got %v", err)
	}
	if err := other.Close(ctx); err != nil {
		t.Fatalf("failed to close session: %v", err)
	}

	if err := session.Close(ctx); err != nil {
		t.Fatalf("failed to close session: %v", err)
	}

	reopened, err := OpenSession(ctx, store, "deploy", false)
	if err != nil {
		t.Fatalf("expected no error after close, got %v", err)
	}
	_ = reopened.Close(ctx)
}

// TestSessionDoubleCloseIsNoop tests that Close is idempotent
func TestSessionDoubleCloseIsNoop(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session, err := OpenSession(ctx, store, "deploy", false)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	if err := session.Close(ctx); err != nil {
		t.Fatalf("failed to close session: %v", err)
	}
	if err := session.Close(ctx); err != nil {
		t.Errorf("expected the second close to be a no-op, got %v", err)
	}
}

// TestSessionBackedRun drives the executor against a session and checks
// the enforced state lands in the store
func TestSessionBackedRun(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	session, err := OpenSession(ctx, store, "deploy", false)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}

	run := &engine.RunContext{
		Name:     "deploy",
		Runs:     engine.NewRuns(),
		Registry: engine.NewRegistry(),
		Events:   engine.NopEvents{},
		Managed:  session,
		Low: []*engine.Chunk{{
			ID:    "alpha",
			Name:  "alpha",
			State: "cloud.instance",
			Fun:   "present",
		}},
	}
	run.Registry.RegisterState("cloud.instance", "present", func(_ context.Context, _ *engine.Call) (*engine.ReturnValue, error) {
		v := true
		return &engine.ReturnValue{
			Result:   &v,
			Comment:  []string{"instance resized"},
			OldState: map[string]interface{}{"size": "small"},
			NewState: map[string]interface{}{"size": "large", "resource_id": "alpha-id"},
		}, nil
	})

	if err := engine.Run(ctx, run, engine.RuntimeSerial); err != nil {
		t.Fatalf("failed to run: %v", err)
	}
	if err := session.Close(ctx); err != nil {
		t.Fatalf("failed to close session: %v", err)
	}

	state, err := store.GetState(ctx, "cloud.instance_|-alpha_|-alpha_|-")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if state == nil || state["resource_id"] != "alpha-id" {
		t.Errorf("expected the enforced state to persist, got %v", state)
	}
	if state != nil && state["size"] != "large" {
		t.Errorf("expected size large, got %v", state["size"])
	}
}

// TestSessionDryRunLeavesStoreUntouched tests a test-mode run end to end
func TestSessionDryRunLeavesStoreUntouched(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	session, err := OpenSession(ctx, store, "deploy", true)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}

	run := &engine.RunContext{
		Name:     "deploy",
		Test:     true,
		Runs:     engine.NewRuns(),
		Registry: engine.NewRegistry(),
		Events:   engine.NopEvents{},
		Managed:  session,
		Low: []*engine.Chunk{{
			ID:    "alpha",
			Name:  "alpha",
			State: "cloud.instance",
			Fun:   "present",
		}},
	}
	run.Registry.RegisterState("cloud.instance", "present", func(_ context.Context, _ *engine.Call) (*engine.ReturnValue, error) {
		v := true
		return &engine.ReturnValue{
			Result:   &v,
			Comment:  []string{"would resize instance"},
			NewState: map[string]interface{}{"size": "large"},
		}, nil
	})

	if err := engine.Run(ctx, run, engine.RuntimeSerial); err != nil {
		t.Fatalf("failed to run: %v", err)
	}
	if err := session.Close(ctx); err != nil {
		t.Fatalf("failed to close session: %v", err)
	}

	state, err := store.GetState(ctx, "cloud.instance_|-alpha_|-alpha_|-")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if state == nil || state["size"] != "small" {
		t.Errorf("expected the store untouched, got %v", state)
	}
}
