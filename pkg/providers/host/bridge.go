package host

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/trueup-io/trueup/pkg/engine"
)

// InitRequest is the payload handed to the plugin's init export.
type InitRequest struct {
	// Namespace is the resolution namespace the plugin was registered
	// under.
	Namespace string `json:"namespace"`

	// Capabilities lists the capabilities granted to the plugin.
	Capabilities []string `json:"capabilities,omitempty"`
}

// StateRequest asks the plugin to run one state operation. Resource names
// are plugin-local, without the namespace prefix.
type StateRequest struct {
	// Resource is the resource name inside the plugin.
	Resource string `json:"resource"`

	// Operation is the state operation, e.g. present or absent.
	Operation string `json:"operation"`

	// ID is the declaration ID.
	ID string `json:"id,omitempty"`

	// Name is the declared resource name.
	Name string `json:"name,omitempty"`

	// Params are the effective declaration parameters.
	Params map[string]interface{} `json:"params,omitempty"`

	// Enforced is the resource's last converged state, if any.
	Enforced map[string]interface{} `json:"enforced,omitempty"`

	// Test mirrors the run's dry-run flag.
	Test bool `json:"test"`

	// RerunData carries opaque data from the previous reconciliation
	// attempt.
	RerunData interface{} `json:"rerun_data,omitempty"`
}

// ToolRequest asks the plugin to run one tool.
type ToolRequest struct {
	// Resource is the resource name inside the plugin.
	Resource string `json:"resource"`

	// Tool is the tool name, e.g. get or create.
	Tool string `json:"tool"`

	// Params are the tool arguments.
	Params map[string]interface{} `json:"params,omitempty"`

	// Before is the currently observed resource state on update calls.
	Before map[string]interface{} `json:"before,omitempty"`

	// Acct is opaque account context for the backing service, if any.
	Acct map[string]interface{} `json:"acct,omitempty"`

	// Test mirrors the run's dry-run flag.
	Test bool `json:"test"`
}

// PendingRequest asks the plugin whether a result needs another
// reconciliation round.
type PendingRequest struct {
	// Resource is the resource name inside the plugin.
	Resource string `json:"resource"`

	// Result is the tag's latest result.
	Result *engine.Result `json:"result"`
}

// invokeEnvelope is the dispatch document handed to the plugin's invoke
// export. Exactly one request field is set, selected by Kind.
type invokeEnvelope struct {
	Kind    string          `json:"kind"`
	State   *StateRequest   `json:"state,omitempty"`
	Tool    *ToolRequest    `json:"tool,omitempty"`
	Pending *PendingRequest `json:"pending,omitempty"`
}

const (
	invokeKindState   = "state"
	invokeKindTool    = "tool"
	invokeKindPending = "is_pending"
)

// pendingResponse is the plugin's answer to a pending-predicate call.
type pendingResponse struct {
	Pending bool `json:"pending"`
}

// Bridge calls into a plugin's exported functions. Payloads cross the
// boundary as JSON in linear memory: the host allocates input via the
// guest's malloc, the guest returns (ptr << 32) | len for its output,
// and each side frees what the other allocated.
type Bridge struct {
	// module is the instantiated WASM module.
	module api.Module

	// memory is the module's linear memory.
	memory api.Memory

	// malloc is the allocation function exported by the plugin.
	malloc api.Function

	// free is the deallocation function exported by the plugin.
	free api.Function

	// pluginInit is the plugin's init export.
	pluginInit api.Function

	// pluginInvoke is the plugin's dispatch export.
	pluginInvoke api.Function

	// timeout bounds each guest call.
	timeout time.Duration
}

// NewBridge creates a bridge for an instantiated module, resolving the
// exports every plugin must provide.
func NewBridge(module api.Module, timeout time.Duration) (*Bridge, error) {
	bridge := &Bridge{
		module:  module,
		timeout: timeout,
	}

	bridge.memory = module.Memory()
	if bridge.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}

	bridge.malloc = module.ExportedFunction("malloc")
	if bridge.malloc == nil {
		return nil, fmt.Errorf("WASM module does not export malloc function")
	}

	bridge.free = module.ExportedFunction("free")
	if bridge.free == nil {
		return nil, fmt.Errorf("WASM module does not export free function")
	}

	bridge.pluginInit = module.ExportedFunction("plugin_init")
	if bridge.pluginInit == nil {
		return nil, fmt.Errorf("WASM module does not export plugin_init function")
	}

	bridge.pluginInvoke = module.ExportedFunction("plugin_invoke")
	if bridge.pluginInvoke == nil {
		return nil, fmt.Errorf("WASM module does not export plugin_invoke function")
	}

	return bridge, nil
}

// Init calls the plugin's init export.
func (b *Bridge) Init(ctx context.Context, req *InitRequest) error {
	input, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal init request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	output, err := b.callGuest(ctx, b.pluginInit, input)
	if err != nil {
		return fmt.Errorf("plugin_init failed: %w", err)
	}

	if err := guestError(output); err != nil {
		return fmt.Errorf("plugin init error: %w", err)
	}

	return nil
}

// State asks the plugin to run one state operation.
func (b *Bridge) State(ctx context.Context, req *StateRequest) (*engine.ReturnValue, error) {
	output, err := b.invoke(ctx, &invokeEnvelope{Kind: invokeKindState, State: req})
	if err != nil {
		return nil, err
	}

	var rv engine.ReturnValue
	if err := json.Unmarshal(output, &rv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state response: %w", err)
	}

	return &rv, nil
}

// Tool asks the plugin to run one tool.
func (b *Bridge) Tool(ctx context.Context, req *ToolRequest) (*engine.ExecReturn, error) {
	output, err := b.invoke(ctx, &invokeEnvelope{Kind: invokeKindTool, Tool: req})
	if err != nil {
		return nil, err
	}

	var ret engine.ExecReturn
	if err := json.Unmarshal(output, &ret); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool response: %w", err)
	}

	return &ret, nil
}

// Pending asks the plugin whether a result needs another reconciliation
// round.
func (b *Bridge) Pending(ctx context.Context, req *PendingRequest) (bool, error) {
	output, err := b.invoke(ctx, &invokeEnvelope{Kind: invokeKindPending, Pending: req})
	if err != nil {
		return false, err
	}

	var resp pendingResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return false, fmt.Errorf("failed to unmarshal pending response: %w", err)
	}

	return resp.Pending, nil
}

// invoke marshals an envelope, calls the plugin's dispatch export and
// surfaces in-band errors.
func (b *Bridge) invoke(ctx context.Context, env *invokeEnvelope) ([]byte, error) {
	input, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	output, err := b.callGuest(ctx, b.pluginInvoke, input)
	if err != nil {
		return nil, fmt.Errorf("plugin_invoke failed: %w", err)
	}

	if err := guestError(output); err != nil {
		return nil, err
	}

	return output, nil
}

// guestError reports an in-band error response from the plugin.
func guestError(output []byte) error {
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(output, &resp); err == nil && resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

// callGuest calls a guest function with JSON input and output.
// Function signature: fn(input_ptr: u32, input_len: u32) -> u64 where the
// return value is (output_ptr << 32) | output_len.
func (b *Bridge) callGuest(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer b.deallocate(ctx, ptr)

		inputPtr = ptr
		inputLen = uint32(len(input))

		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)

	if outputLen == 0 {
		return []byte("{}"), nil
	}

	output, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}

	// The guest allocated the output; copy it out before freeing.
	out := make([]byte, len(output))
	copy(out, output)

	if err := b.deallocate(ctx, outputPtr); err != nil {
		return nil, fmt.Errorf("failed to free output memory: %w", err)
	}

	return out, nil
}

// allocate allocates guest memory and returns the pointer.
func (b *Bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}

	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}

	return ptr, nil
}

// deallocate frees guest memory.
func (b *Bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
