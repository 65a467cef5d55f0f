package engine

import (
	"context"
	"sort"
	"sync"
)

// ExecCall carries the arguments of one plugin tool invocation.
type ExecCall struct {
	// Params are the tool arguments.
	Params map[string]interface{}

	// Before is the currently observed resource state on update calls.
	Before map[string]interface{}

	// Acct is opaque account context for the backing service, if any.
	Acct map[string]interface{}

	// Test mirrors the run's dry-run flag.
	Test bool
}

// ExecReturn is a plugin tool's report.
type ExecReturn struct {
	// Result reports whether the tool call succeeded.
	Result bool `json:"result"`

	// Ret is the tool's payload: a resource state for get and create, a
	// collection of states for list.
	Ret interface{} `json:"ret,omitempty"`

	// Comment lists human-readable notes from the tool.
	Comment []string `json:"comment,omitempty"`
}

// ExecFunc executes one plugin tool.
type ExecFunc func(ctx context.Context, call *ExecCall) (*ExecReturn, error)

// PendingFunc overrides the reconciler's pending decision for a resource
// type. It sees the tag's latest result and reports whether another
// reconciliation round is required.
type PendingFunc func(ret *Result) bool

// AutoStateTools is the CRUD surface a resource type exposes instead of
// hand-written state operations. The registry synthesizes present, absent
// and describe from it.
type AutoStateTools struct {
	// Get fetches one resource by resource_id.
	Get ExecFunc

	// Create provisions a resource from declared parameters.
	Create ExecFunc

	// Update converges an existing resource toward declared parameters.
	Update ExecFunc

	// Delete removes a resource.
	Delete ExecFunc

	// List enumerates every resource of the type.
	List ExecFunc

	// CreateParams names the parameters Create accepts; describe uses it to
	// reduce listed resource states to declarable parameters.
	CreateParams []string
}

// ParamSpec describes one declared parameter of a state operation.
type ParamSpec struct {
	// Name is the parameter name as it appears in declarations.
	Name string `json:"name"`

	// Required marks parameters that must be supplied by the declaration or
	// the enforced state.
	Required bool `json:"required,omitempty"`
}

// ResolvedFunc is the outcome of a registry lookup.
type ResolvedFunc struct {
	// Fn is the operation implementation.
	Fn Function

	// Ref is the full function reference, e.g. "states.localfs.file.present".
	Ref string

	// Params is the operation's declared parameter list, when registered.
	Params []ParamSpec

	// Auto marks operations synthesized from an AutoStateTools set.
	Auto bool
}

type stateOp struct {
	fn     Function
	params []ParamSpec
}

// Registry maps resource types to their operations, tools and wait policies.
// Registration is explicit: nothing is discovered by probing, and lookups
// into the table are the only way execution reaches plugin code.
//
// Resolution checks the auto-state tool set first. A resource type that
// registers CRUD tools gets present, absent and describe synthesized from
// them even when operations of the same name were registered directly; the
// direct registrations then only serve operations outside the synthesized
// trio, such as mod_watch.
type Registry struct {
	mu         sync.RWMutex
	states     map[string]map[string]stateOp
	auto       map[string]*AutoStateTools
	execs      map[string]ExecFunc
	waits      map[string]WaitSpec
	pendings   map[string]PendingFunc
	namespaces []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		states:   make(map[string]map[string]stateOp),
		auto:     make(map[string]*AutoStateTools),
		execs:    make(map[string]ExecFunc),
		waits:    make(map[string]WaitSpec),
		pendings: make(map[string]PendingFunc),
	}
}

// AddNamespace appends a plugin namespace to the resolution order. A short
// state reference that no registration matches directly is retried under
// each namespace in the order they were added.
func (r *Registry) AddNamespace(ns string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.namespaces {
		if existing == ns {
			return
		}
	}
	r.namespaces = append(r.namespaces, ns)
}

// RegisterState registers the implementation of one operation of a resource
// type, replacing any previous registration.
func (r *Registry) RegisterState(state, fun string, fn Function, params ...ParamSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := r.states[state]
	if ops == nil {
		ops = make(map[string]stateOp)
		r.states[state] = ops
	}
	ops[fun] = stateOp{fn: fn, params: params}
}

// RegisterAutoState registers a CRUD tool set for a resource type.
func (r *Registry) RegisterAutoState(state string, tools *AutoStateTools) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auto[state] = tools
}

// RegisterExec registers a plugin tool under its full reference, e.g.
// "exec.localfs.file.get".
func (r *Registry) RegisterExec(ref string, fn ExecFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[ref] = fn
}

// RegisterWait registers a resource type's reconciliation wait policy.
func (r *Registry) RegisterWait(state string, spec WaitSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits[state] = spec
}

// RegisterPending registers a resource type's pending override.
func (r *Registry) RegisterPending(state string, fn PendingFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendings[state] = fn
}

// Resolve looks up the implementation of an operation on a resource type.
// The reference is tried as declared first and then under each registered
// namespace; within each candidate the auto-state capability wins over a
// directly registered operation of the same name.
func (r *Registry) Resolve(state, fun string) (*ResolvedFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rf, ok := r.resolveExactLocked(state, fun); ok {
		return rf, true
	}
	for _, ns := range r.namespaces {
		if rf, ok := r.resolveExactLocked(ns+"."+state, fun); ok {
			return rf, true
		}
	}
	return nil, false
}

func (r *Registry) resolveExactLocked(state, fun string) (*ResolvedFunc, bool) {
	if tools, ok := r.auto[state]; ok {
		switch fun {
		case "present":
			return &ResolvedFunc{
				Fn:     autoPresent(tools),
				Ref:    "states." + state + "." + fun,
				Params: autoParams(tools),
				Auto:   true,
			}, true
		case "absent":
			return &ResolvedFunc{
				Fn:   autoAbsent(tools),
				Ref:  "states." + state + "." + fun,
				Auto: true,
			}, true
		case "describe":
			return &ResolvedFunc{
				Fn:   autoDescribe(state, tools),
				Ref:  "states." + state + "." + fun,
				Auto: true,
			}, true
		}
	}
	if ops, ok := r.states[state]; ok {
		if op, ok := ops[fun]; ok {
			return &ResolvedFunc{
				Fn:     op.fn,
				Ref:    "states." + state + "." + fun,
				Params: op.params,
			}, true
		}
	}
	return nil, false
}

// GetFunc resolves the operation function for a chunk. An empty fun selects
// the chunk's declared operation, inverted when the run asks for it.
func (rc *RunContext) GetFunc(chunk *Chunk, fun string) (*ResolvedFunc, bool) {
	if fun == "" {
		fun = chunk.Fun
		if rc.Invert {
			fun = InvertFun(fun)
		}
	}
	return rc.Registry.Resolve(chunk.State, fun)
}

// ResolveExec looks up a plugin tool by its full reference.
func (r *Registry) ResolveExec(ref string) (ExecFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.execs[ref]
	return fn, ok
}

// AutoTools returns the CRUD tool set registered for a resource type.
func (r *Registry) AutoTools(state string) (*AutoStateTools, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools, ok := r.auto[state]
	return tools, ok
}

// Wait returns the wait policy registered for a resource type.
func (r *Registry) Wait(state string) (WaitSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.waits[state]
	return spec, ok
}

// Pending returns the pending override registered for a resource type.
func (r *Registry) Pending(state string) (PendingFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.pendings[state]
	return fn, ok
}

// HasState reports whether any operation or tool set is registered for the
// resource type.
func (r *Registry) HasState(state string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.auto[state]; ok {
		return true
	}
	_, ok := r.states[state]
	return ok
}

// States returns every registered resource type, sorted.
func (r *Registry) States() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.states)+len(r.auto))
	for state := range r.states {
		seen[state] = true
	}
	for state := range r.auto {
		seen[state] = true
	}
	out := make([]string, 0, len(seen))
	for state := range seen {
		out = append(out, state)
	}
	sort.Strings(out)
	return out
}

// ExecRefs returns every registered tool reference, sorted.
func (r *Registry) ExecRefs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.execs))
	for ref := range r.execs {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

func autoParams(tools *AutoStateTools) []ParamSpec {
	if len(tools.CreateParams) == 0 {
		return nil
	}
	out := make([]ParamSpec, 0, len(tools.CreateParams))
	for _, name := range tools.CreateParams {
		out = append(out, ParamSpec{Name: name})
	}
	return out
}
