package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/trueup-io/trueup/pkg/engine"
)

// SchemaRegistry holds CUE parameter schemas keyed by resource type or
// "type.fun". Provider hosts register plugin-declared schemas here; the
// compiler validates every chunk whose key has one. Safe for concurrent
// use.
type SchemaRegistry struct {
	ctx     *cue.Context
	mu      sync.RWMutex
	schemas map[string]cue.Value
}

// NewSchemaRegistry returns a registry with the built-in schemas
// registered.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	for name, src := range builtinSchemas {
		sr.schemas[name] = sr.compile(src)
	}
	return sr
}

// compile builds the schema value for a source, preferring its #Params
// definition when one is declared.
func (sr *SchemaRegistry) compile(src string) cue.Value {
	val := sr.ctx.CompileString(src)
	if params := val.LookupPath(cue.ParsePath("#Params")); params.Exists() {
		return params
	}
	return val
}

// RegisterSchema registers a schema under a resource type or "type.fun"
// key. The source should declare a #Params definition; without one the
// whole value is the schema.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.compile(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	sr.schemas[name] = val
	return nil
}

// GetSchema returns a registered schema by key.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns the registered schema keys.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// ValidateAgainstSchema validates arbitrary data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, name string, data interface{}) error {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if err := schema.Unify(dataVal).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateChunk checks a compiled chunk's params against the schema for
// its "type.fun" key, falling back to the bare resource type. Chunks with
// no registered schema pass. Parameters still carrying ${} references are
// excluded and required-field checks are relaxed for such chunks, since
// the values only exist once the referenced chunk has run.
func (sr *SchemaRegistry) ValidateChunk(ctx context.Context, ch *engine.Chunk) []CompileError {
	schema, ok := sr.GetSchema(ch.State + "." + ch.Fun)
	if !ok {
		schema, ok = sr.GetSchema(ch.State)
	}
	if !ok {
		return nil
	}

	params, deferred := pruneParamRefs(ch.Params)
	dataVal := sr.ctx.Encode(params)
	if err := dataVal.Err(); err != nil {
		return []CompileError{{Source: ch.Source, Message: fmt.Sprintf("Parameters for state %q in SLS %q could not be encoded for validation: %v", ch.ID, ch.Source, err)}}
	}

	opts := []cue.Option{cue.Concrete(true)}
	if deferred {
		opts = nil
	}
	if err := schema.Unify(dataVal).Validate(opts...); err != nil {
		var errs []CompileError
		for _, e := range cueerrors.Errors(err) {
			errs = append(errs, CompileError{Source: ch.Source, Message: fmt.Sprintf("Parameters for state %q in SLS %q failed validation: %v", ch.ID, ch.Source, e)})
		}
		return errs
	}
	return nil
}

// pruneParamRefs strips parameter leaves that still carry ${} references,
// reporting whether any were found.
func pruneParamRefs(params map[string]interface{}) (map[string]interface{}, bool) {
	deferred := false
	var prune func(v interface{}) interface{}
	prune = func(v interface{}) interface{} {
		switch t := v.(type) {
		case map[string]interface{}:
			out := make(map[string]interface{}, len(t))
			for k, item := range t {
				p := prune(item)
				if p == nil && item != nil {
					continue
				}
				out[k] = p
			}
			return out
		case []interface{}:
			out := make([]interface{}, 0, len(t))
			for _, item := range t {
				p := prune(item)
				if p == nil && item != nil {
					continue
				}
				out = append(out, p)
			}
			return out
		case string:
			if argRefPattern.MatchString(t) {
				deferred = true
				return nil
			}
			return t
		default:
			return t
		}
	}
	out, _ := prune(params).(map[string]interface{})
	return out, deferred
}

// builtinSchemas cover the built-in providers. Plugin manifests register
// their own at host start.
var builtinSchemas = map[string]string{
	"exec.run":     execRunSchema,
	"test":         testSchema,
	"data.values":  dataValuesSchema,
	"localfs.file": localfsFileSchema,
}

const execRunSchema = `
#Params: {
	// Command to execute.
	cmd: string & !=""

	// Arguments passed to the command.
	args?: [...string]

	// Environment variables set for the command.
	env?: {[string]: string}

	// Working directory.
	cwd?: string

	// Run the command through a shell.
	shell?: bool

	// Seconds before the command is killed.
	timeout?: number & >=0

	...
}
`

const testSchema = `
#Params: {
	// Force the result reported by the test state.
	result?: bool

	// Changes reported by the test state.
	changes?: {...}

	// Comment attached to the result.
	comment?: string

	// Rounds the state reports itself pending before settling.
	pending_rounds?: int & >=0

	// Persist the result to enforced state even without changes.
	force_save?: bool

	...
}
`

const dataValuesSchema = `
#Params: {
	...
}
`

const localfsFileSchema = `
#Params: {
	// Path of the managed file.
	path: string & !=""

	// Desired file content.
	content?: string

	// Octal permission string.
	mode?: string & =~"^0?[0-7]{3}$"

	...
}
`
