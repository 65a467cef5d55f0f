package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLoader_Locate(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"top.sls": `
top_decl:
  test.nop:
`,
		"app/web.sls": `
web_decl:
  test.nop:
`,
		"db/init.sls": `
db_decl:
  test.nop:
`,
		"prog.star": `
state = {
    "star_decl": {
        "test.nop": None,
    },
}
`,
	})

	loader := NewLoader([]string{dir}, NewStarlarkEvaluator(0), nil)
	high, errs := loader.Gather(context.Background(), []string{"top", "app.web", "db", "prog"})
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	for _, id := range []string{"top_decl", "web_decl", "db_decl", "star_decl"} {
		if high.Get(id) == nil {
			t.Errorf("expected declaration %q to be gathered", id)
		}
	}
	if got := high.Get("web_decl").Source; got != "app.web" {
		t.Errorf("expected provenance by ref, got %q", got)
	}

	direct, errs := loader.Gather(context.Background(), []string{filepath.Join(dir, "top.sls")})
	if len(errs) > 0 {
		t.Fatalf("unexpected errors for direct path: %v", errs)
	}
	if direct.Len() != 1 {
		t.Errorf("expected 1 declaration from direct path, got %d", direct.Len())
	}
}

func TestLoader_MissingRef(t *testing.T) {
	loader := NewLoader([]string{t.TempDir()}, nil, nil)
	_, errs := loader.Gather(context.Background(), []string{"missing"})
	if !hasError(errs, `SLS ref "missing" did not resolve from any sources`) {
		t.Errorf("expected unresolved ref error, got %v", errs)
	}
}

func TestLoader_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"a.sls": `
include:
  - b
a_decl:
  test.nop:
`,
		"b.sls": `
include:
  - a
b_decl:
  test.nop:
`,
	})

	loader := NewLoader([]string{dir}, nil, nil)
	high, errs := loader.Gather(context.Background(), []string{"a"})
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if high.Len() != 2 {
		t.Fatalf("expected 2 declarations, got %d", high.Len())
	}
	if high.Order[0] != "a_decl" || high.Order[1] != "b_decl" {
		t.Errorf("expected including file to order first, got %v", high.Order)
	}
}

func TestLoader_DuplicateDeclarations(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"a.sls": `
include:
  - b
shared_id:
  test.nop:
`,
		"b.sls": `
shared_id:
  test.nop:
`,
	})

	loader := NewLoader([]string{dir}, nil, nil)
	_, errs := loader.Gather(context.Background(), []string{"a"})
	if !hasError(errs, "Duplicate state declarations found in SLS tree: shared_id") {
		t.Errorf("expected duplicate declaration error, got %v", errs)
	}
}

func TestLoader_GatherContent(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"lib.sls": `
lib_decl:
  test.nop:
`,
	})

	loader := NewLoader([]string{dir}, nil, nil)
	high, errs := loader.GatherContent(context.Background(), "main.sls", []byte(`
include:
  - lib
main_decl:
  test.nop:
`))
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if high.Len() != 2 {
		t.Fatalf("expected 2 declarations, got %d", high.Len())
	}
	if high.Order[0] != "main_decl" || high.Order[1] != "lib_decl" {
		t.Errorf("unexpected declaration order: %v", high.Order)
	}
	if got := high.Get("lib_decl").Source; got != "lib" {
		t.Errorf("expected included provenance by ref, got %q", got)
	}
}

func TestLoader_YAMLShapes(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantDecls int
		wantErr   string
	}{
		{
			name:      "empty document",
			content:   "",
			wantDecls: 0,
		},
		{
			name:      "comment only document",
			content:   "# nothing here\n",
			wantDecls: 0,
		},
		{
			name:    "top level not a mapping",
			content: "- a\n- b\n",
			wantErr: "does not render to a mapping",
		},
		{
			name: "include not a list",
			content: `
include: base
`,
			wantErr: "The include statement in SLS",
		},
		{
			name: "numeric ID",
			content: `
42:
  test.nop:
`,
			wantErr: "is not formed as a string",
		},
		{
			name: "dunder keys skipped",
			content: `
decl:
  __meta__: ignored
  test.nop:
`,
			wantDecls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader(nil, nil, nil)
			high, errs := loader.GatherContent(context.Background(), "test.sls", []byte(tt.content))
			if tt.wantErr != "" {
				if !hasError(errs, tt.wantErr) {
					t.Fatalf("expected an error containing %q, got %v", tt.wantErr, errs)
				}
				return
			}
			if len(errs) > 0 {
				t.Fatalf("unexpected errors: %v", errs)
			}
			if high.Len() != tt.wantDecls {
				t.Errorf("expected %d declarations, got %d", tt.wantDecls, high.Len())
			}
		})
	}
}

func TestLoader_YAMLAliasBodies(t *testing.T) {
	loader := NewLoader(nil, nil, nil)
	high, errs := loader.GatherContent(context.Background(), "test.sls", []byte(`
base: &body
  exec.run:
    - cmd: shared
copy: *body
`))
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	for _, id := range []string{"base", "copy"} {
		decl := high.Get(id)
		if decl == nil || len(decl.States) != 1 {
			t.Fatalf("expected declaration %q with one section", id)
		}
		if decl.States[0].State != "exec" {
			t.Errorf("declaration %q: expected exec section, got %q", id, decl.States[0].State)
		}
	}
}

func TestLoader_StarlarkDocuments(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing state value",
			content: "x = 1\n",
			wantErr: `does not define a "state" value`,
		},
		{
			name:    "state not a dictionary",
			content: "state = 42\n",
			wantErr: "is not a dictionary",
		},
		{
			name:    "syntax error",
			content: "state = {\n",
			wantErr: "failed to render SLS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader(nil, NewStarlarkEvaluator(0), nil)
			_, errs := loader.GatherContent(context.Background(), "prog.star", []byte(tt.content))
			if !hasError(errs, tt.wantErr) {
				t.Errorf("expected an error containing %q, got %v", tt.wantErr, errs)
			}
		})
	}
}

func TestLoader_StarlarkWithoutEvaluator(t *testing.T) {
	loader := NewLoader(nil, nil, nil)
	_, errs := loader.GatherContent(context.Background(), "prog.star", []byte("state = {}\n"))
	if !hasError(errs, "no evaluator is configured") {
		t.Errorf("expected missing evaluator error, got %v", errs)
	}
}

func TestLoader_StarlarkInclude(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"lib.sls": `
lib_decl:
  test.nop:
`,
	})

	loader := NewLoader([]string{dir}, NewStarlarkEvaluator(0), nil)
	high, errs := loader.GatherContent(context.Background(), "main.star", []byte(`
state = {
    "include": ["lib"],
    "star_decl": {
        "test.nop": None,
    },
}
`))
	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if high.Len() != 2 {
		t.Fatalf("expected 2 declarations, got %d", high.Len())
	}
	if high.Get("star_decl") == nil || high.Get("lib_decl") == nil {
		t.Errorf("expected both declarations, got %v", high.Order)
	}
}
