// Package engine provides the run core of the TrueUp state-enforcement engine.
//
// # Overview
//
// TrueUp executes declared resources ("chunks") in requisite order and keeps
// re-polling resources that converge asynchronously until they settle. A run
// moves through the following stages:
//
//  1. Compile - state documents become low data: an ordered list of chunks
//  2. Sequence - each pass computes which chunks are free to run (SeqItem)
//  3. Execute - the chunk executor enforces one operation per chunk per pass
//  4. Reconcile - pending chunks are re-run with per-resource-type backoff
//     (package reconcile)
//
// # Core Domain Types
//
//   - Chunk: one declared resource operation, immutable once compiled
//   - Result: the recorded outcome of one chunk execution attempt
//   - Runs: the per-run result table, keyed by tag
//   - ReqRet: one evaluated requisite edge between two chunks
//   - SeqItem: a chunk plus its evaluated and unmet requisites for one pass
//   - RunContext: everything owned by a single named run
//
// # Tags
//
// A tag is the stable string key identifying one chunk's result within a run:
//
//	{state}_|-{id}_|-{name}_|-{fun}
//
// The ESM tag drops the trailing fun and keys the enforced-state store, which
// records a resource's last-known converged state across runs.
//
// # Requisites
//
// Requisite kinds (require, watch, onchanges, onfail, prereq, listen, ...) are
// a closed set of variants, each mapped to a handler implementing the
// RequisiteHandler contract. Handlers decide from the referenced chunk's
// recorded result whether the condition holds and may attach pre/post hooks
// around the dependent chunk's execution. Unregistered kinds are skipped
// explicitly; the reserved "resolver" pseudo-kind is never evaluated.
//
// # Chunk Executor
//
// Each execution attempt walks the state machine
//
//	Created -> RequisitesChecked -> (Blocked | Dispatched) -> Completed
//
// and replaces the run table entry with a freshly built Result exactly once.
// The executor emits a "state-chunk" event before invoking the operation and
// a "state-result" event when the attempt finalizes.
//
// # Function Resolution
//
// Operation functions live in an explicit Registry keyed by
// (namespace, resource type, operation). Resolution checks the auto-state
// capability first: an exec module registered with CapAutoState is wrapped by
// the generic auto-state adapter and the namespace search is bypassed.
// Otherwise namespaces are searched in declared priority order and the first
// loaded function wins.
package engine
