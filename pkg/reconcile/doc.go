// Package reconcile re-runs the pending subset of a completed run until
// every resource settles.
//
// Cloud operations routinely report success before the backing
// infrastructure converges. After the orchestrator's first full pass, Loop
// repeatedly asks a pending predicate which tags still need work, sleeps
// the longest backoff their resource types declare, and re-invokes the
// orchestrator for exactly those tags. Rounds merge back into the first
// run's records, so a finalized result carries the true pre-run old state,
// the last observed new state, changes spanning the whole reconciliation
// and every distinct comment collected along the way.
//
// Wait policies are declared per resource type ("static", "exponential" or
// "random") and resolved through a WaitPolicyCache scoped to one loop
// invocation; nothing is cached process-wide. The default predicate stops
// retrying after three unchanged rounds or DefaultMaxPendingReruns rounds,
// whichever comes first, and defers to a resource type's registered
// override when one exists.
package reconcile
