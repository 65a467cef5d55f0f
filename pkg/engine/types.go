package engine

import (
	"context"
	"sync"
	"time"
)

// RequisiteKind identifies one requisite keyword from a state declaration.
type RequisiteKind string

const (
	// KindRequire gates a chunk on the success of every referenced chunk.
	KindRequire RequisiteKind = "require"

	// KindRequireAny gates a chunk on the success of at least one referenced chunk.
	KindRequireAny RequisiteKind = "require_any"

	// KindWatch behaves like require and additionally triggers the dependent
	// chunk's mod_watch operation when a referenced chunk reports changes.
	KindWatch RequisiteKind = "watch"

	// KindWatchAny is the any-of variant of watch.
	KindWatchAny RequisiteKind = "watch_any"

	// KindOnChanges gates a chunk on every referenced chunk succeeding with changes.
	KindOnChanges RequisiteKind = "onchanges"

	// KindOnChangesAny gates a chunk on at least one referenced chunk reporting changes.
	KindOnChangesAny RequisiteKind = "onchanges_any"

	// KindOnFail gates a chunk on the failure of every referenced chunk.
	KindOnFail RequisiteKind = "onfail"

	// KindOnFailAny gates a chunk on the failure of at least one referenced chunk.
	KindOnFailAny RequisiteKind = "onfail_any"

	// KindOnFailAll is the explicit all-of variant of onfail.
	KindOnFailAll RequisiteKind = "onfail_all"

	// KindOnFailStop halts the entire run when a referenced chunk fails.
	KindOnFailStop RequisiteKind = "onfail_stop"

	// KindPrereq runs a predictive test invocation of the referenced chunk and
	// gates the dependent chunk on the probe reporting changes.
	KindPrereq RequisiteKind = "prereq"

	// KindPrerequired is the mirror edge created on the chunk referenced by a
	// prereq declaration; it behaves like require.
	KindPrerequired RequisiteKind = "prerequired"

	// KindListen behaves like require; change reactions fire at the end of the
	// run pass instead of immediately.
	KindListen RequisiteKind = "listen"

	// KindArgBind copies values out of the referenced chunk's new state into
	// the dependent chunk's parameters before execution.
	KindArgBind RequisiteKind = "arg_bind"

	// KindSensitive is a data-handling keyword, not an ordering edge: listed
	// parameter values are masked in emitted events.
	KindSensitive RequisiteKind = "sensitive"

	// KindIgnoreChanges is a call-shaping keyword, not an ordering edge:
	// listed parameter paths are nulled so the operation skips updating them.
	KindIgnoreChanges RequisiteKind = "ignore_changes"

	// KindRecreateOnUpdate replaces an in-place update with a destroy/create
	// pair when the declared parameters diverge from the enforced state.
	KindRecreateOnUpdate RequisiteKind = "recreate_on_update"

	// KindResolver is reserved for internal use and is always skipped during
	// requisite evaluation.
	KindResolver RequisiteKind = "resolver"
)

// RequisiteKeywords is the set of declaration keywords consumed by the engine
// rather than passed through to operation functions.
var RequisiteKeywords = map[RequisiteKind]bool{
	KindRequire:          true,
	KindRequireAny:       true,
	KindWatch:            true,
	KindWatchAny:         true,
	KindOnChanges:        true,
	KindOnChangesAny:     true,
	KindOnFail:           true,
	KindOnFailAny:        true,
	KindOnFailAll:        true,
	KindOnFailStop:       true,
	KindPrereq:           true,
	KindPrerequired:      true,
	KindListen:           true,
	KindArgBind:          true,
	KindSensitive:        true,
	KindIgnoreChanges:    true,
	KindRecreateOnUpdate: true,
}

// RequisiteInKeywords maps the "_in" declaration keywords to the direct kind
// they reverse onto their target during compilation.
var RequisiteInKeywords = map[string]RequisiteKind{
	"require_in":   KindRequire,
	"watch_in":     KindWatch,
	"onchanges_in": KindOnChanges,
	"onfail_in":    KindOnFail,
	"prereq_in":    KindPrereq,
	"listen_in":    KindListen,
}

// ArgBind maps one value path in a referenced chunk's new state onto a
// parameter path of the dependent chunk. Paths are colon-separated with
// optional [n] list indexing, e.g. "endpoints[0]:url".
type ArgBind struct {
	// From is the path inside the referenced chunk's new state.
	From string `json:"from"`

	// To is the parameter path on the dependent chunk.
	To string `json:"to"`
}

// RequisiteRef names one referenced declaration inside a requisite list.
type RequisiteRef struct {
	// State is the referenced resource type, or "sls" to reference every
	// chunk declared by a matching source.
	State string `json:"state"`

	// Name matches the referenced declaration ID or resource name and may
	// contain glob patterns.
	Name string `json:"name"`

	// Args carries the argument bindings of an arg_bind reference.
	Args []ArgBind `json:"args,omitempty"`
}

// RecreatePolicy configures a recreate_on_update declaration.
type RecreatePolicy struct {
	// CreateBeforeDestroy creates the replacement resource before the old one
	// is destroyed, updating dependents in between.
	CreateBeforeDestroy bool `json:"create_before_destroy"`
}

// Chunk is a single declared resource operation within a run. Chunks are
// immutable once compiled; the executor works on a per-attempt copy when a
// handler needs to rewrite parameters or set runtime markers.
type Chunk struct {
	// ID is the declaration ID from the state document.
	ID string `json:"__id__"`

	// Name is the declared resource name, defaulting to the declaration ID.
	Name string `json:"name"`

	// State is the resource type reference, e.g. "cloud.instance".
	State string `json:"state"`

	// Fun is the operation to enforce, e.g. "present" or "absent".
	Fun string `json:"fun"`

	// Order preserves the declaration order across compiled sources.
	Order int `json:"order"`

	// Source is the state document or program that declared this chunk.
	Source string `json:"__sls__,omitempty"`

	// Params holds the resource parameters passed to the operation.
	Params map[string]interface{} `json:"params,omitempty"`

	// Requisites groups the declared requisite references by kind.
	Requisites map[RequisiteKind][]RequisiteRef `json:"requisites,omitempty"`

	// IgnoreChanges lists parameter paths nulled before invocation so the
	// operation skips updating them.
	IgnoreChanges []string `json:"ignore_changes,omitempty"`

	// Sensitive lists parameter names whose values are masked in events.
	Sensitive []string `json:"sensitive,omitempty"`

	// Recreate holds the recreate_on_update policy, if declared.
	Recreate *RecreatePolicy `json:"recreate_on_update,omitempty"`

	// Unique serializes chunks of the same state and operation that also
	// declare it; they never execute in the same parallel wave.
	Unique bool `json:"unique,omitempty"`

	// SkipESM excludes this chunk from enforced-state persistence.
	SkipESM bool `json:"skip_esm,omitempty"`

	// The fields below are runtime markers set by the engine, never by
	// declarations. Recreate flows set them on the compiled chunk so they
	// survive into later passes.

	// HaltCurrentExecution short-circuits the attempt because a recreate flow
	// supersedes this chunk in the current pass.
	HaltCurrentExecution bool `json:"halt_current_execution,omitempty"`

	// RecreationFlow marks execution that is part of a recreate-on-update.
	RecreationFlow bool `json:"recreation_flow,omitempty"`

	// RerunData carries opaque data from the previous reconciliation attempt.
	RerunData interface{} `json:"rerun_data,omitempty"`
}

// WorkingCopy returns a copy of the chunk safe for per-attempt mutation by
// requisite handlers. Params are deep-copied; requisite declarations are
// shared because handlers never modify them.
func (c *Chunk) WorkingCopy() *Chunk {
	work := *c
	work.Params = deepCopyMap(c.Params)
	return &work
}

// ExecStatus tracks one chunk attempt through the executor state machine.
type ExecStatus string

const (
	// ExecCreated means the attempt's result record has been initialized.
	ExecCreated ExecStatus = "created"

	// ExecRequisitesChecked means every declared requisite has been evaluated.
	ExecRequisitesChecked ExecStatus = "requisites_checked"

	// ExecBlocked means requisite errors or a halt marker stopped the attempt
	// before the operation was invoked.
	ExecBlocked ExecStatus = "blocked"

	// ExecDispatched means the operation function has been invoked.
	ExecDispatched ExecStatus = "dispatched"

	// ExecCompleted means the attempt finalized and the result table was
	// updated.
	ExecCompleted ExecStatus = "completed"
)

// Result is the recorded outcome of one chunk execution attempt. Transitions
// build a new Result and replace the table entry; records are never mutated
// in place.
type Result struct {
	// Tag is the result-table key for this chunk.
	Tag string `json:"tag"`

	// Name is the declared resource name.
	Name string `json:"name"`

	// ID is the declaration ID.
	ID string `json:"__id__"`

	// RunNum is the orchestrator pass that produced this attempt.
	RunNum int `json:"__run_num"`

	// Status is the executor state the attempt finished in.
	Status ExecStatus `json:"status"`

	// Result reports success (true), failure (false), or undetermined (nil).
	Result *bool `json:"result"`

	// Comment accumulates human-readable notes about the attempt.
	Comment []string `json:"comment,omitempty"`

	// Changes describes what the operation changed, or would change in test
	// mode. After reconciliation it is the structural diff between the
	// baseline old state and the final new state.
	Changes map[string]interface{} `json:"changes,omitempty"`

	// OldState is the observed state before the operation ran. The first
	// attempt's old state is the authoritative pre-run baseline.
	OldState interface{} `json:"old_state,omitempty"`

	// NewState is the converged state after the operation. A successful
	// attempt without a new state records a deletion.
	NewState interface{} `json:"new_state,omitempty"`

	// RerunData is opaque data carried into the next reconciliation attempt.
	RerunData interface{} `json:"rerun_data,omitempty"`

	// StartTime is when the attempt began.
	StartTime time.Time `json:"start_time"`

	// TotalSeconds is the elapsed execution time. After reconciliation it
	// spans from the original start time to finalization.
	TotalSeconds float64 `json:"total_seconds"`

	// ESMTag keys this chunk's entry in the enforced-state store.
	ESMTag string `json:"esm_tag"`

	// SLSMeta carries the run's source metadata.
	SLSMeta map[string]interface{} `json:"sls_meta,omitempty"`

	// Ref is the full reference of the resolved operation function.
	Ref string `json:"ref,omitempty"`

	// AcctDetails is opaque account context attached to result events.
	AcctDetails map[string]interface{} `json:"acct_details,omitempty"`

	// RecreationFlow marks a result produced during a recreate-on-update.
	RecreationFlow bool `json:"recreation_flow,omitempty"`
}

// Succeeded reports whether the attempt finished with an explicit success.
func (r *Result) Succeeded() bool {
	return r.Result != nil && *r.Result
}

// Failed reports whether the attempt finished with an explicit failure.
func (r *Result) Failed() bool {
	return r.Result != nil && !*r.Result
}

// Clone returns a deep copy of the result record.
func (r *Result) Clone() *Result {
	out := *r
	if r.Result != nil {
		v := *r.Result
		out.Result = &v
	}
	out.Comment = append([]string(nil), r.Comment...)
	out.Changes = deepCopyMap(r.Changes)
	out.OldState = deepCopyValue(r.OldState)
	out.NewState = deepCopyValue(r.NewState)
	out.RerunData = deepCopyValue(r.RerunData)
	out.SLSMeta = deepCopyMap(r.SLSMeta)
	out.AcctDetails = deepCopyMap(r.AcctDetails)
	return &out
}

// ReqRet is one evaluated requisite edge: the requisite kind plus the
// referenced chunk's recorded result.
type ReqRet struct {
	// Req is the requisite kind that produced this edge.
	Req RequisiteKind `json:"req"`

	// Name is the reference pattern that matched the chunk.
	Name string `json:"name"`

	// State is the referenced resource type.
	State string `json:"state"`

	// RTag is the tag of the referenced chunk's result.
	RTag string `json:"r_tag"`

	// Ret is the referenced chunk's recorded result.
	Ret *Result `json:"ret"`

	// Chunk is the referenced chunk, when it belongs to the current run.
	Chunk *Chunk `json:"-"`

	// Args carries the argument bindings of an arg_bind edge.
	Args []ArgBind `json:"args,omitempty"`
}

// SeqItem is one entry of a per-pass execution sequence.
type SeqItem struct {
	// Chunk is the declaration to execute.
	Chunk *Chunk `json:"chunk"`

	// Tag is the chunk's function tag.
	Tag string `json:"tag"`

	// ReqRets holds the evaluated edges whose referenced chunks completed.
	ReqRets []ReqRet `json:"reqrets"`

	// Unmet holds the tags of referenced chunks that have not completed.
	Unmet map[string]bool `json:"unmet"`

	// Errors holds requisite resolution problems found while sequencing.
	Errors []string `json:"errors"`

	// pendingESM carries references the straight phase could not match,
	// for the enforced-state phase to retry.
	pendingESM []unresolvedRef
}

// Seq is one pass's execution sequence, keyed by low-data index.
type Seq map[int]*SeqItem

// PreHook runs immediately before the dependent chunk's operation with the
// final call arguments.
type PreHook func(call *Call) error

// PostHook runs immediately after the operation with its return threaded in.
// The returned value replaces the operation's return; returning ret unchanged
// keeps it.
type PostHook func(call *Call, ret *ReturnValue) (*ReturnValue, error)

// RuleData is a requisite handler's decision about one edge. The evaluator
// merges the decisions of every edge into one aggregate for the chunk.
type RuleData struct {
	// Errors lists human-readable reasons the chunk must not execute.
	Errors []string

	// Comments are attached to the chunk's result without blocking it.
	Comments []string

	// Pre hooks run before the dependent chunk's operation.
	Pre []PreHook

	// Post hooks run after the dependent chunk's operation.
	Post []PostHook

	// Stop halts the entire run (onfail_stop).
	Stop bool

	// TriggerWatch dispatches the chunk's mod_watch operation instead of the
	// declared one, when the resource type registers it.
	TriggerWatch bool

	// Skip finalizes the chunk successfully without invoking the operation.
	Skip bool
}

// Merge folds another decision into the aggregate.
func (rd *RuleData) Merge(other RuleData) {
	rd.Errors = append(rd.Errors, other.Errors...)
	rd.Comments = append(rd.Comments, other.Comments...)
	rd.Pre = append(rd.Pre, other.Pre...)
	rd.Post = append(rd.Post, other.Post...)
	rd.Stop = rd.Stop || other.Stop
	rd.TriggerWatch = rd.TriggerWatch || other.TriggerWatch
	rd.Skip = rd.Skip || other.Skip
}

// ReturnValue is an operation function's report.
type ReturnValue struct {
	// Result reports success (true), failure (false), or undetermined (nil).
	Result *bool `json:"result"`

	// Comment lists human-readable notes about what happened.
	Comment []string `json:"comment,omitempty"`

	// OldState is the observed state before the operation.
	OldState interface{} `json:"old_state,omitempty"`

	// NewState is the converged state after the operation; nil on a
	// successful return records a deletion.
	NewState interface{} `json:"new_state,omitempty"`

	// Changes describes what the operation changed, or would change in test
	// mode.
	Changes map[string]interface{} `json:"changes,omitempty"`

	// RerunData is handed back to the operation on the next reconciliation
	// attempt.
	RerunData interface{} `json:"rerun_data,omitempty"`

	// ForceSave persists NewState even when Result is not success. It is
	// consumed by the ESM update policy and stripped from the outward result.
	ForceSave bool `json:"force_save,omitempty"`

	// RecreationFlow marks the chunk as mid recreate-on-update.
	RecreationFlow bool `json:"recreation_flow,omitempty"`
}

// Succeeded reports whether the return carries an explicit success.
func (rv *ReturnValue) Succeeded() bool {
	return rv.Result != nil && *rv.Result
}

// Failed reports whether the return carries an explicit failure.
func (rv *ReturnValue) Failed() bool {
	return rv.Result != nil && !*rv.Result
}

// Call carries everything an operation function needs for one invocation.
type Call struct {
	// Run is the owning run context.
	Run *RunContext

	// Chunk is the working copy of the declaration being enforced.
	Chunk *Chunk

	// Tag is the chunk's function tag.
	Tag string

	// Params are the effective parameters after enforced-state merging and
	// ignore_changes nulling.
	Params map[string]interface{}

	// Enforced is the resource's last converged state from the store, if any.
	Enforced map[string]interface{}

	// Test mirrors the run's dry-run flag.
	Test bool

	// RerunData carries opaque data from the previous reconciliation attempt.
	RerunData interface{}
}

// WaitSpec declares a resource type's reconciliation wait policy, e.g.
//
//	{Alg: "exponential", Params: {"wait_in_seconds": 2, "multiplier": 10}}
type WaitSpec struct {
	// Alg names the wait algorithm: "static", "exponential" or "random".
	Alg string `json:"alg"`

	// Params holds the algorithm parameters.
	Params map[string]float64 `json:"params,omitempty"`
}

// RunStatus is the lifecycle status of a named run.
type RunStatus string

const (
	// RunCreated means the run exists but has not started gathering sources.
	RunCreated RunStatus = "created"

	// RunGathering means state sources are being loaded.
	RunGathering RunStatus = "gathering"

	// RunCompiling means high data is being compiled into low data.
	RunCompiling RunStatus = "compiling"

	// RunRunning means chunks are executing.
	RunRunning RunStatus = "running"

	// RunFinished means the run completed, successfully or not.
	RunFinished RunStatus = "finished"

	// RunCompileError means compilation failed and nothing executed.
	RunCompileError RunStatus = "compile_error"

	// RunRuntimeError means the orchestrator aborted mid-run.
	RunRuntimeError RunStatus = "runtime_error"
)

// RunContext owns all of the mutable state for one named run. It replaces
// any process-global run registry: every component receives the context it
// operates on explicitly.
type RunContext struct {
	// Name identifies the run.
	Name string

	// Test runs every operation in dry-run mode: intended changes are
	// computed and reported, mutations and ESM writes are skipped.
	Test bool

	// Refresh re-populates the enforced-state store from observed state; ESM
	// writes happen even though Test is implied.
	Refresh bool

	// Invert swaps present and absent operations at execution time.
	Invert bool

	// SkipESM disables enforced-state persistence for the whole run.
	SkipESM bool

	// RunNum counts orchestrator passes, starting at 0 and incremented for
	// every reconciliation re-run.
	RunNum int

	// BatchSize bounds how many chunks execute concurrently in a parallel
	// wave; zero or negative means unbounded.
	BatchSize int

	// Status is the run lifecycle status.
	Status RunStatus

	// Low is the compiled low data in declaration order.
	Low []*Chunk

	// AddLow collects chunks generated mid-pass (recreate flows); they are
	// folded into Low between passes.
	AddLow []*Chunk

	// Runs is the live result table.
	Runs *Runs

	// Managed is the enforced-state view for this run.
	Managed ManagedState

	// Registry resolves operation functions and resource-type declarations.
	Registry *Registry

	// Handlers dispatches requisite kinds to their evaluators; nil selects
	// DefaultRequisiteHandlers.
	Handlers map[RequisiteKind]RequisiteHandler

	// ChunkMod, when set, may rewrite the working chunk after the
	// state-chunk event and before call arguments are built.
	ChunkMod func(ctx context.Context, run *RunContext, chunk *Chunk) error

	// Events receives every state-chunk and state-result notification.
	Events EventSink

	// Gate is consulted with each working chunk before dispatch; a nil Gate
	// admits everything.
	Gate ChunkGate

	// Meta is the run's source metadata, stamped into every result.
	Meta map[string]interface{}

	// AcctDetails is opaque account context attached to result events.
	AcctDetails map[string]interface{}

	addMu sync.Mutex
}

// AppendLow queues chunks generated mid-pass. They join Low before the next
// pass; a chunk whose declaration ID already exists is dropped.
func (rc *RunContext) AppendLow(chunks ...*Chunk) {
	rc.addMu.Lock()
	defer rc.addMu.Unlock()
	for _, c := range chunks {
		if rc.hasDeclarationLocked(c.ID) {
			continue
		}
		rc.AddLow = append(rc.AddLow, c)
	}
}

// TakeAddLow drains the queued chunks.
func (rc *RunContext) TakeAddLow() []*Chunk {
	rc.addMu.Lock()
	defer rc.addMu.Unlock()
	out := rc.AddLow
	rc.AddLow = nil
	return out
}

// HasDeclaration reports whether a declaration ID exists in the run's low
// data or in the queued additions.
func (rc *RunContext) HasDeclaration(id string) bool {
	rc.addMu.Lock()
	defer rc.addMu.Unlock()
	return rc.hasDeclarationLocked(id)
}

func (rc *RunContext) hasDeclarationLocked(id string) bool {
	for _, c := range rc.Low {
		if c.ID == id {
			return true
		}
	}
	for _, c := range rc.AddLow {
		if c.ID == id {
			return true
		}
	}
	return false
}

// RequisiteHandlerFor returns the handler registered for kind, consulting
// DefaultRequisiteHandlers when the run carries no table of its own.
func (rc *RunContext) RequisiteHandlerFor(kind RequisiteKind) (RequisiteHandler, bool) {
	table := rc.Handlers
	if table == nil {
		table = DefaultRequisiteHandlers()
	}
	h, ok := table[kind]
	return h, ok
}
