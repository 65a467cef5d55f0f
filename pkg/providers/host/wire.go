package host

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/trueup-io/trueup/pkg/config"
	"github.com/trueup-io/trueup/pkg/engine"
)

// invoker is the plugin surface the registry wiring binds functions to.
type invoker interface {
	State(ctx context.Context, req *StateRequest) (*engine.ReturnValue, error)
	Tool(ctx context.Context, req *ToolRequest) (*engine.ExecReturn, error)
	Pending(ctx context.Context, req *PendingRequest) (bool, error)
}

// autoToolNames are the CRUD tools an auto-state resource exports.
var autoToolNames = []string{"get", "create", "update", "delete", "list"}

// Wire loads every registered plugin and registers its declarations:
// operations and tools into the function registry, wait policies and
// pending predicates with it, and CUE parameter schemas into the schema
// registry. Plugin namespaces join the resolution order in key order.
func (h *Host) Wire(ctx context.Context, reg *engine.Registry, schemas *config.SchemaRegistry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	keys := make([]string, 0, len(h.manifests))
	for key := range h.manifests {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		manifest := h.manifests[key]
		plugin, err := h.loadLocked(ctx, manifest.Raw.Metadata.Name, manifest.Raw.Metadata.Version)
		if err != nil {
			return err
		}
		if err := wireManifest(reg, schemas, manifest, plugin, h.logger); err != nil {
			return fmt.Errorf("failed to wire plugin %s: %w", key, err)
		}
	}

	return nil
}

// wireManifest registers one plugin's declarations against a registry
// and schema registry.
func wireManifest(reg *engine.Registry, schemas *config.SchemaRegistry, m *Manifest, inv invoker, logger zerolog.Logger) error {
	reg.AddNamespace(m.Raw.Namespace)

	names := make([]string, 0, len(m.Raw.Resources))
	for name := range m.Raw.Resources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		decl := m.Raw.Resources[name]
		typeName := m.TypeName(name)

		if decl.AutoState() {
			reg.RegisterAutoState(typeName, &engine.AutoStateTools{
				Get:          toolFunc(name, "get", inv),
				Create:       toolFunc(name, "create", inv),
				Update:       toolFunc(name, "update", inv),
				Delete:       toolFunc(name, "delete", inv),
				List:         toolFunc(name, "list", inv),
				CreateParams: decl.CreateParams,
			})
			for _, tool := range autoToolNames {
				reg.RegisterExec("exec."+typeName+"."+tool, toolFunc(name, tool, inv))
			}
		}

		for _, op := range decl.Operations {
			reg.RegisterState(typeName, op, stateFunc(name, op, inv))
		}

		for _, tool := range decl.Tools {
			reg.RegisterExec("exec."+typeName+"."+tool, toolFunc(name, tool, inv))
		}

		if decl.ReconcileWait != nil {
			reg.RegisterWait(typeName, *decl.ReconcileWait)
		}

		if decl.IsPending {
			reg.RegisterPending(typeName, pendingFunc(name, inv, logger))
		}

		if decl.Params != "" {
			if err := schemas.RegisterSchema(typeName, decl.Params); err != nil {
				return fmt.Errorf("resource %s: %w", typeName, err)
			}
		}
	}

	return nil
}

// stateFunc binds one state operation to the plugin.
func stateFunc(resource, operation string, inv invoker) engine.Function {
	return func(ctx context.Context, call *engine.Call) (*engine.ReturnValue, error) {
		req := &StateRequest{
			Resource:  resource,
			Operation: operation,
			Params:    call.Params,
			Enforced:  call.Enforced,
			Test:      call.Test,
			RerunData: call.RerunData,
		}
		if call.Chunk != nil {
			req.ID = call.Chunk.ID
			req.Name = call.Chunk.Name
		}
		return inv.State(ctx, req)
	}
}

// toolFunc binds one tool to the plugin.
func toolFunc(resource, tool string, inv invoker) engine.ExecFunc {
	return func(ctx context.Context, call *engine.ExecCall) (*engine.ExecReturn, error) {
		req := &ToolRequest{
			Resource: resource,
			Tool:     tool,
		}
		if call != nil {
			req.Params = call.Params
			req.Before = call.Before
			req.Acct = call.Acct
			req.Test = call.Test
		}
		return inv.Tool(ctx, req)
	}
}

// pendingFunc binds the plugin's pending predicate. A failing predicate
// counts as not pending.
func pendingFunc(resource string, inv invoker, logger zerolog.Logger) engine.PendingFunc {
	return func(ret *engine.Result) bool {
		pending, err := inv.Pending(context.Background(), &PendingRequest{
			Resource: resource,
			Result:   ret,
		})
		if err != nil {
			logger.Warn().
				Err(err).
				Str("resource", resource).
				Msg("Pending predicate failed")
			return false
		}
		return pending
	}
}
