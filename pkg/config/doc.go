// Package config renders state documents into the low chunk list a run
// executes.
//
// # Overview
//
// The config package implements the source and compile phase of trueup:
// it resolves SLS refs against source directories, renders YAML documents
// and Starlark state programs into high data, reverses "_in" requisites
// onto their targets, verifies the result and lowers it into ordered
// chunks with structured requisites.
//
// # Features
//
//   - SLS ref resolution with init-file and direct-path support
//   - YAML state documents with include and extend statements
//   - Starlark state programs with params and timeout enforcement
//   - Requisite reversal (require_in, watch_in, onchanges_in, onfail_in,
//     prereq_in, listen_in) and prereq/prerequired mirroring
//   - ${resource:id:path} argument references compiled to arg_bind edges
//   - CUE parameter schemas per resource type
//   - Error reporting with source refs and line numbers
//
// # Components
//
// Compiler: runs the full pipeline for a set of refs and returns a
// CompileResult holding the high data, the low chunk list and any errors.
//
// Loader: resolves refs, renders documents and merges them into ordered
// high data, following includes depth-first.
//
// StarlarkEvaluator: sandboxed Starlark execution with timeout
// enforcement and Go value conversion.
//
// SchemaRegistry: CUE parameter schemas keyed by resource type, with
// built-ins for the bundled providers and registration for plugin
// manifests.
//
// # Usage Example
//
//	compiler := config.NewCompiler()
//	res, err := compiler.Compile(ctx, config.Options{
//	    Sources: []string{"./states"},
//	    Refs:    []string{"web"},
//	    Params:  map[string]interface{}{"region": "eu-central"},
//	})
//	if err != nil {
//	    return err
//	}
//	if len(res.Errors) > 0 {
//	    return config.CompileErrors(res.Errors)
//	}
//	low := res.Low
//
// # State Documents
//
// A YAML state document maps declaration IDs to resource-type sections.
// The function is either the last segment of a dotted key or a bare
// string argument:
//
//	include:
//	  - base.network
//
//	web_config:
//	  data.values:
//	    - values:
//	        port: 8080
//
//	web_server:
//	  cloud.instance.present:
//	    - name: web-1
//	    - size: ${data.values:web_config:values:port}
//	    - require:
//	        - data.values: web_config
//
// # Starlark State Programs
//
// A .star document defines a "state" dictionary, or a callable returning
// one, in the same shape:
//
//	def state(params):
//	    decls = {}
//	    for i in range(params.get("count", 1)):
//	        decls["web_%d" % i] = {
//	            "cloud.instance": [{"name": "web-%d" % i}, "present"],
//	        }
//	    return decls
//
// # Schema Validation
//
// Chunk params validate against CUE schemas keyed by "type.fun" or the
// bare resource type. Built-ins cover exec.run, the test states,
// data.values and localfs.file; provider hosts register plugin-declared
// schemas before compiling.
//
// # Error Handling
//
// Gathering and compile errors carry the source ref and line where
// available:
//
//	CompileError{
//	    Source:  "web",
//	    Line:    12,
//	    Message: `No function declared in state "cloud.instance" in SLS "web"`,
//	}
//
// # Security
//
// Starlark execution is sandboxed:
//   - No filesystem access
//   - No network access
//   - Timeout enforcement (default 30 seconds)
//   - Print routed to debug logging
//
// # Thread Safety
//
// Compiler and SchemaRegistry are safe for concurrent use; a Loader is
// per-compile state.
package config
