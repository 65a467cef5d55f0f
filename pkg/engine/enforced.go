package engine

import (
	"fmt"
	"sort"
)

// EnforcedState returns the resource's last converged state from the run's
// managed view, or nil when the resource has never been enforced. A resource
// that went through a recreate flow lives under the replacement declaration
// ID, so that variant is consulted first.
func EnforcedState(chunk *Chunk, managed ManagedState) map[string]interface{} {
	if managed == nil {
		return nil
	}
	recreated := *chunk
	recreated.ID = chunk.ID + "_create_new"
	for _, c := range []*Chunk{&recreated, chunk} {
		if state, ok := managed.Get(ESMTag(c)); ok {
			return state
		}
		if state, ok := managed.Get(FuncTag(c)); ok {
			return state
		}
	}
	// Fall back to a resource_id scan for declarations whose name changed
	// since the state was recorded.
	if id, ok := chunk.Params["resource_id"].(string); ok && id != "" {
		for _, tag := range managed.Tags() {
			if TagState(tag) != chunk.State {
				continue
			}
			state, ok := managed.Get(tag)
			if !ok {
				continue
			}
			if stored, ok := state["resource_id"].(string); ok && stored == id {
				return state
			}
		}
	}
	return nil
}

// BuildCall assembles the effective invocation for a chunk. The enforced
// state backfills declared parameters the chunk leaves unset, explicit nil
// declarations do not shadow enforced values, and ignore_changes paths are
// nulled for resources that already exist. Returned errors block the chunk.
func BuildCall(run *RunContext, chunk *Chunk, fn *ResolvedFunc) (*Call, []string) {
	enforced := EnforcedState(chunk, run.Managed)
	params := deepCopyMap(chunk.Params)
	if params == nil {
		params = map[string]interface{}{}
	}

	merge := make(map[string]bool, len(fn.Params)+1)
	required := make(map[string]bool, len(fn.Params))
	for _, spec := range fn.Params {
		merge[spec.Name] = true
		if spec.Required {
			required[spec.Name] = true
		}
	}
	// resource_id carries identity between attempts whether or not the
	// operation declares its parameters.
	merge["resource_id"] = true

	if enforced != nil {
		for name := range merge {
			if v, present := params[name]; present && v != nil {
				continue
			}
			if v, ok := enforced[name]; ok {
				params[name] = deepCopyValue(v)
			}
		}
	}

	if chunk.RecreationFlow {
		// Replacement chunks must see exactly the identity they declared;
		// nil means the create path.
		params["resource_id"] = chunk.Params["resource_id"]
	}

	if enforced != nil && !chunk.RecreationFlow && len(chunk.IgnoreChanges) > 0 {
		for _, path := range chunk.IgnoreChanges {
			segs := parseStatePath(path)
			if len(segs) == 0 {
				continue
			}
			if required[segs[0].key] {
				continue
			}
			nullifyPath(params, segs)
		}
	}

	var missing []string
	for name := range required {
		if v, present := params[name]; !present || v == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, []string{fmt.Sprintf(
			"Missing required arguments %v for %s", missing, fn.Ref)}
	}

	return &Call{
		Run:       run,
		Chunk:     chunk,
		Tag:       FuncTag(chunk),
		Params:    params,
		Enforced:  enforced,
		Test:      run.Test,
		RerunData: chunk.RerunData,
	}, nil
}
