package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/trueup-io/trueup/pkg/engine"
)

func testGate(t *testing.T, opts Options) *Gate {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	gate, err := NewGate(context.Background(), logger, opts)
	if err != nil {
		t.Fatalf("Failed to create gate: %v", err)
	}
	return gate
}

func testChunk(state, id, name, fun string, params map[string]interface{}) *engine.Chunk {
	return &engine.Chunk{
		ID:     id,
		Name:   name,
		State:  state,
		Fun:    fun,
		Params: params,
	}
}

func containsNote(notes []string, substr string) bool {
	for _, n := range notes {
		if strings.Contains(n, substr) {
			return true
		}
	}
	return false
}

func TestNewGate(t *testing.T) {
	gate := testGate(t, Options{})

	policies := gate.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("No built-in policies loaded")
	}

	for _, expected := range []string{"protected-resources", "naming-convention"} {
		found := false
		for _, p := range policies {
			if p.Name == expected {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected built-in policy not found: %s", expected)
		}
	}

	for _, p := range policies {
		if p.Name == "" {
			t.Error("Policy has empty name")
		}
		if p.Rego == "" {
			t.Error("Policy has empty rego source")
		}
		if p.CreatedAt.IsZero() {
			t.Error("Policy has zero CreatedAt")
		}
	}
}

func TestAdmit_CleanChunk(t *testing.T) {
	gate := testGate(t, Options{RunName: "apply"})
	chunk := testChunk("localfs.file", "motd", "/etc/motd", "present", map[string]interface{}{
		"path": "/etc/motd",
	})

	notes, err := gate.Admit(context.Background(), chunk)
	if err != nil {
		t.Fatalf("Expected admission, got: %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("Expected no notes, got %v", notes)
	}
}

func TestAdmit_ProtectedDeletionDenied(t *testing.T) {
	gate := testGate(t, Options{RunName: "apply"})
	chunk := testChunk("localfs.file", "passwd", "/etc/passwd", "absent", map[string]interface{}{
		"path":      "/etc/passwd",
		"protected": true,
	})

	notes, err := gate.Admit(context.Background(), chunk)
	if err == nil {
		t.Fatal("Expected a protected deletion to be denied")
	}
	if !strings.Contains(err.Error(), "marked protected") {
		t.Errorf("Expected the denial reason in the error, got: %v", err)
	}
	if !engine.IsPermanent(err) {
		t.Errorf("Expected a permanent error, got: %v", err)
	}
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodePolicyDenied {
		t.Errorf("Expected code %s, got %+v", engine.ErrCodePolicyDenied, ee)
	}
	if len(notes) != 0 {
		t.Errorf("Expected no notes on the denial, got %v", notes)
	}
}

func TestAdmit_ProtectedDeletionTestMode(t *testing.T) {
	gate := testGate(t, Options{RunName: "apply", Test: true})
	chunk := testChunk("localfs.file", "passwd", "/etc/passwd", "absent", map[string]interface{}{
		"path":      "/etc/passwd",
		"protected": true,
	})

	notes, err := gate.Admit(context.Background(), chunk)
	if err != nil {
		t.Fatalf("Expected a dry run to be admitted, got: %v", err)
	}
	if !containsNote(notes, "would refuse") {
		t.Errorf("Expected the dry run warning, got %v", notes)
	}
}

func TestAdmit_InvertedRun(t *testing.T) {
	gate := testGate(t, Options{RunName: "teardown", Invert: true})
	chunk := testChunk("localfs.file", "passwd", "/etc/passwd", "present", map[string]interface{}{
		"path":      "/etc/passwd",
		"protected": true,
	})

	_, err := gate.Admit(context.Background(), chunk)
	if err == nil {
		t.Fatal("Expected the inverted present to be denied as a removal")
	}
	if !strings.Contains(err.Error(), "operation=absent") {
		t.Errorf("Expected the effective operation in the error, got: %v", err)
	}
}

func TestAdmit_NamingWarning(t *testing.T) {
	gate := testGate(t, Options{RunName: "apply"})
	chunk := testChunk("localfs.file", "WebServer", "/srv/web", "present", map[string]interface{}{
		"path": "/srv/web",
	})

	notes, err := gate.Admit(context.Background(), chunk)
	if err != nil {
		t.Fatalf("Expected admission, got: %v", err)
	}
	if !containsNote(notes, "naming convention") {
		t.Errorf("Expected the naming warning, got %v", notes)
	}
}

func TestAdmit_DisabledPolicy(t *testing.T) {
	gate := testGate(t, Options{RunName: "apply"})
	chunk := testChunk("localfs.file", "passwd", "/etc/passwd", "absent", map[string]interface{}{
		"path":      "/etc/passwd",
		"protected": true,
	})

	if err := gate.DisablePolicy("protected-resources"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	p, err := gate.GetPolicy("protected-resources")
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if p.Enabled {
		t.Error("Policy should be disabled")
	}

	if _, err := gate.Admit(context.Background(), chunk); err != nil {
		t.Fatalf("Expected admission with the guard disabled, got: %v", err)
	}

	if err := gate.EnablePolicy("protected-resources"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	if _, err := gate.Admit(context.Background(), chunk); err == nil {
		t.Fatal("Expected the re-enabled guard to deny again")
	}
}

func TestLoadPaths_CustomDeny(t *testing.T) {
	tmpDir := t.TempDir()
	custom := `package trueup.policies.flavors

deny contains msg if {
	input.chunk.params.flavor == "forbidden"
	msg := sprintf("Flavor %s is not allowed", [input.chunk.params.flavor])
}`
	if err := os.WriteFile(filepath.Join(tmpDir, "flavors.rego"), []byte(custom), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	gate := testGate(t, Options{RunName: "apply", Paths: []string{tmpDir}})

	denied := testChunk("test", "a", "a", "nop", map[string]interface{}{"flavor": "forbidden"})
	if _, err := gate.Admit(context.Background(), denied); err == nil {
		t.Fatal("Expected the custom policy to deny")
	} else if !strings.Contains(err.Error(), "not allowed") {
		t.Errorf("Expected the custom denial text, got: %v", err)
	}

	allowed := testChunk("test", "b", "b", "nop", map[string]interface{}{"flavor": "vanilla"})
	if _, err := gate.Admit(context.Background(), allowed); err != nil {
		t.Fatalf("Expected admission, got: %v", err)
	}
}

func TestAdmit_MapShapedDecision(t *testing.T) {
	tmpDir := t.TempDir()
	custom := `package trueup.policies.zones

deny contains violation if {
	input.chunk.params.zone == "restricted"
	violation := {
		"message": "Zone restricted requires an exemption",
		"resource": input.chunk.name,
	}
}`
	if err := os.WriteFile(filepath.Join(tmpDir, "zones.rego"), []byte(custom), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	gate := testGate(t, Options{RunName: "apply", Paths: []string{tmpDir}})
	chunk := testChunk("test", "edge", "edge", "nop", map[string]interface{}{"zone": "restricted"})

	_, err := gate.Admit(context.Background(), chunk)
	if err == nil {
		t.Fatal("Expected the zone policy to deny")
	}
	if !strings.Contains(err.Error(), "requires an exemption") {
		t.Errorf("Expected the message field extracted, got: %v", err)
	}
}

func TestAdmit_RunNameInInput(t *testing.T) {
	tmpDir := t.TempDir()
	custom := `package trueup.policies.freeze

deny contains msg if {
	input.run_name == "frozen"
	msg := "Change freeze is in effect"
}`
	if err := os.WriteFile(filepath.Join(tmpDir, "freeze.rego"), []byte(custom), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	chunk := testChunk("test", "a", "a", "nop", nil)

	frozen := testGate(t, Options{RunName: "frozen", Paths: []string{tmpDir}})
	if _, err := frozen.Admit(context.Background(), chunk); err == nil {
		t.Fatal("Expected the freeze policy to deny the frozen run")
	}

	normal := testGate(t, Options{RunName: "nightly", Paths: []string{tmpDir}})
	if _, err := normal.Admit(context.Background(), chunk); err != nil {
		t.Fatalf("Expected the nightly run to be admitted, got: %v", err)
	}
}

func TestEvaluate_Verdict(t *testing.T) {
	gate := testGate(t, Options{RunName: "apply"})
	chunk := testChunk("localfs.file", "Bad_ID", "/tmp/x", "present", nil)

	verdict, err := gate.Evaluate(context.Background(), chunk)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if verdict.Blocked() {
		t.Errorf("Expected no denials, got %v", verdict.Denials)
	}
	if !containsNote(verdict.Warnings, "naming convention") {
		t.Errorf("Expected the naming warning, got %v", verdict.Warnings)
	}
	if len(verdict.Evaluated) < 2 {
		t.Errorf("Expected both built-ins evaluated, got %v", verdict.Evaluated)
	}
}

func TestReloadPolicies(t *testing.T) {
	tmpDir := t.TempDir()
	custom := `package trueup.policies.extra

deny contains msg if {
	input.chunk.params.blockme == true
	msg := "blocked by the extra policy"
}`
	if err := os.WriteFile(filepath.Join(tmpDir, "extra.rego"), []byte(custom), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	gate := testGate(t, Options{Paths: []string{tmpDir}})
	if _, err := gate.GetPolicy("extra"); err != nil {
		t.Fatalf("Expected the custom policy to be loaded: %v", err)
	}

	if err := gate.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("Failed to reload policies: %v", err)
	}

	if _, err := gate.GetPolicy("extra"); err == nil {
		t.Error("Expected the custom policy to be dropped by the reload")
	}
	if _, err := gate.GetPolicy("protected-resources"); err != nil {
		t.Errorf("Expected the built-ins to survive the reload: %v", err)
	}
}

func TestGetPolicy_Missing(t *testing.T) {
	gate := testGate(t, Options{})
	if _, err := gate.GetPolicy("nope"); err == nil {
		t.Error("Expected an error for an unknown policy")
	}
	if err := gate.EnablePolicy("nope"); err == nil {
		t.Error("Expected an error enabling an unknown policy")
	}
	if err := gate.DisablePolicy("nope"); err == nil {
		t.Error("Expected an error disabling an unknown policy")
	}
}

func TestNewGate_BrokenCustomPolicy(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, "broken.rego"), []byte("this is not rego"), 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	if _, err := NewGate(context.Background(), logger, Options{Paths: []string{tmpDir}}); err == nil {
		t.Fatal("Expected a parse failure for the broken policy")
	}
}
