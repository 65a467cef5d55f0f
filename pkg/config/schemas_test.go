package config

import (
	"context"
	"testing"

	"github.com/trueup-io/trueup/pkg/engine"
)

func TestSchemaRegistry_Builtins(t *testing.T) {
	sr := NewSchemaRegistry()

	listed := map[string]bool{}
	for _, name := range sr.ListSchemas() {
		listed[name] = true
	}
	for _, name := range []string{"exec.run", "test", "data.values", "localfs.file"} {
		if !listed[name] {
			t.Errorf("expected builtin schema %q to be registered", name)
		}
		if _, ok := sr.GetSchema(name); !ok {
			t.Errorf("expected GetSchema(%q) to succeed", name)
		}
	}
	if _, ok := sr.GetSchema("unknown.thing"); ok {
		t.Error("expected GetSchema to miss for unregistered key")
	}
}

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	deploySchema := `
#Params: {
	replicas: int & >=1
	image:    string & !=""
}
`
	if err := sr.RegisterSchema("app.deploy", deploySchema); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}

	valid := map[string]interface{}{"replicas": 3, "image": "app:v1"}
	if err := sr.ValidateAgainstSchema(ctx, "app.deploy", valid); err != nil {
		t.Errorf("expected valid data to pass, got %v", err)
	}

	invalid := map[string]interface{}{"replicas": 0, "image": "app:v1"}
	if err := sr.ValidateAgainstSchema(ctx, "app.deploy", invalid); err == nil {
		t.Error("expected replicas bound to reject zero")
	}

	missing := map[string]interface{}{"replicas": 3}
	if err := sr.ValidateAgainstSchema(ctx, "app.deploy", missing); err == nil {
		t.Error("expected missing required field to fail")
	}

	if err := sr.RegisterSchema("broken", "#Params: {"); err == nil {
		t.Error("expected malformed schema source to fail")
	}
}

func TestSchemaRegistry_SchemaWithoutParamsDefinition(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	if err := sr.RegisterSchema("plain", `{count: int}`); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "plain", map[string]interface{}{"count": 1}); err != nil {
		t.Errorf("expected whole-value schema to validate, got %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "nowhere", map[string]interface{}{}); err == nil {
		t.Error("expected unknown schema to fail")
	}
}

func TestSchemaRegistry_ValidateChunk(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		chunk   *engine.Chunk
		wantErr bool
	}{
		{
			name: "exec run with cmd",
			chunk: &engine.Chunk{
				ID: "job", State: "exec", Fun: "run", Source: "test.sls",
				Params: map[string]interface{}{"cmd": "echo hi"},
			},
		},
		{
			name: "exec run with open extras",
			chunk: &engine.Chunk{
				ID: "job", State: "exec", Fun: "run", Source: "test.sls",
				Params: map[string]interface{}{"cmd": "echo hi", "custom": 1},
			},
		},
		{
			name: "exec run missing cmd",
			chunk: &engine.Chunk{
				ID: "job", State: "exec", Fun: "run", Source: "test.sls",
				Params: map[string]interface{}{"shell": true},
			},
			wantErr: true,
		},
		{
			name: "exec run cmd wrong type",
			chunk: &engine.Chunk{
				ID: "job", State: "exec", Fun: "run", Source: "test.sls",
				Params: map[string]interface{}{"cmd": 42},
			},
			wantErr: true,
		},
		{
			name: "deferred argument reference",
			chunk: &engine.Chunk{
				ID: "job", State: "exec", Fun: "run", Source: "test.sls",
				Params: map[string]interface{}{"cmd": "${data:other:command}"},
			},
		},
		{
			name: "fallback to resource schema",
			chunk: &engine.Chunk{
				ID: "probe", State: "test", Fun: "nop", Source: "test.sls",
				Params: map[string]interface{}{},
			},
		},
		{
			name: "fallback rejects wrong type",
			chunk: &engine.Chunk{
				ID: "probe", State: "test", Fun: "succeed_with_changes", Source: "test.sls",
				Params: map[string]interface{}{"result": "yes"},
			},
			wantErr: true,
		},
		{
			name: "no schema registered",
			chunk: &engine.Chunk{
				ID: "thing", State: "custom", Fun: "apply", Source: "test.sls",
				Params: map[string]interface{}{"anything": true},
			},
		},
		{
			name: "file mode accepted",
			chunk: &engine.Chunk{
				ID: "conf", State: "localfs", Fun: "file", Source: "test.sls",
				Params: map[string]interface{}{"path": "/etc/app.conf", "mode": "0644"},
			},
		},
		{
			name: "file mode rejected",
			chunk: &engine.Chunk{
				ID: "conf", State: "localfs", Fun: "file", Source: "test.sls",
				Params: map[string]interface{}{"path": "/etc/app.conf", "mode": "9999"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := sr.ValidateChunk(ctx, tt.chunk)
			if tt.wantErr && len(errs) == 0 {
				t.Error("expected validation errors, got none")
			}
			if !tt.wantErr && len(errs) > 0 {
				t.Errorf("unexpected validation errors: %v", errs)
			}
			if tt.wantErr && len(errs) > 0 && !hasError(errs, "failed validation") {
				t.Errorf("expected a failed validation message, got %v", errs)
			}
		})
	}
}
