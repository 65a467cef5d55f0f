// Package policy provides rego-based admission control for chunk execution.
//
// A Gate sits on the run context and is consulted with every chunk
// immediately before its operation dispatches. Policies are written in the
// Rego policy language and compiled once with Open Policy Agent; built-in
// policies cover common guard rails and custom policies load from files or
// directories, with optional hot reload.
//
// # Architecture
//
// The package has four parts:
//
//  1. Gate - compiles policies and decides admission per chunk
//  2. Loader - loads policies from files, directories, and bundles
//  3. Types - policies, the evaluation input, and verdicts
//  4. Built-in policies - guard rails every gate starts with
//
// # Usage
//
// Creating a gate and installing it on a run:
//
//	gate, err := policy.NewGate(ctx, logger, policy.Options{
//	    RunName: run.Name,
//	    Test:    run.Test,
//	    Invert:  run.Invert,
//	    Paths:   []string{"/etc/trueup/policies"},
//	})
//	if err != nil {
//	    return err
//	}
//	run.Gate = gate
//
// A denied chunk is blocked exactly like a failed requisite: its result
// records false with the denial reasons as comments, and nothing
// dispatches. Warnings ride along as comments on admitted chunks.
//
// # Input Document
//
// Every policy evaluates against the same input document:
//
//	{
//	    "chunk":     { "__id__": ..., "name": ..., "state": ..., "fun": ..., "params": {...} },
//	    "operation": "absent",
//	    "test":      false,
//	    "run_name":  "nightly"
//	}
//
// "operation" is the function that will actually run, which differs from
// the chunk's declared function on inverted runs.
//
// # Decisions
//
// A policy decides through two rule names:
//
//   - deny: every entry blocks the chunk
//   - warn: every entry is attached to the result as a comment
//
// Entries may be plain strings or objects with a "message" field.
//
// # Built-in Policies
//
// Included by default:
//
//  1. protected-resources - refuses to remove resources declaring protected: true
//  2. naming-convention - warns about declaration IDs that are not lowercase
//
// # Custom Policies
//
// Custom policies are rego modules loaded from .rego files, JSON policy
// definitions, or JSON bundles:
//
//	package trueup.policies.freeze
//
//	deny contains msg if {
//	    input.run_name == "frozen"
//	    not input.test
//	    msg := "Change freeze is in effect"
//	}
//
// # Hot Reload
//
// Gate.Watch watches the policy paths through fsnotify and swaps in a
// freshly compiled set after each change. A reload that fails to compile
// leaves the previous set serving.
//
// # Performance
//
// Policies are parsed and prepared once per load; each evaluation reuses the
// prepared query against the policy's package document.
package policy
