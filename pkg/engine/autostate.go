package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// truePtr and falsePtr back the Result pointers of synthesized returns.
func truePtr() *bool  { b := true; return &b }
func falsePtr() *bool { b := false; return &b }

// autoPresent synthesizes a present operation from a CRUD tool set. The
// shape is get, then create or update, then get again; changes are the
// structural difference between the two observations.
func autoPresent(tools *AutoStateTools) Function {
	return func(ctx context.Context, call *Call) (*ReturnValue, error) {
		ref := call.Chunk.State
		name := call.Chunk.Name
		ret := &ReturnValue{Result: truePtr()}

		var before map[string]interface{}
		resourceID, _ := call.Params["resource_id"].(string)
		if resourceID != "" {
			got, err := tools.Get(ctx, &ExecCall{
				Params: map[string]interface{}{"name": name, "resource_id": resourceID},
				Acct:   call.Run.AcctDetails,
				Test:   call.Test,
			})
			if err != nil {
				return nil, err
			}
			if !got.Result {
				ret.Result = falsePtr()
				ret.Comment = append(ret.Comment, got.Comment...)
				return ret, nil
			}
			before, _ = got.Ret.(map[string]interface{})
		}

		if before == nil {
			if call.Test {
				ret.Comment = append(ret.Comment, fmt.Sprintf("Would create %s:%s", ref, name))
				ret.NewState = desiredState(name, call.Params)
				ret.Changes = DeepDiff(nil, desiredState(name, call.Params))
				return ret, nil
			}
			created, err := tools.Create(ctx, &ExecCall{
				Params: desiredState(name, call.Params),
				Acct:   call.Run.AcctDetails,
			})
			if err != nil {
				return nil, err
			}
			if !created.Result {
				ret.Result = falsePtr()
				ret.Comment = append(ret.Comment, fmt.Sprintf("Could not create '%s:%s'", ref, name))
				ret.Comment = append(ret.Comment, created.Comment...)
				return ret, nil
			}
			ret.Comment = append(ret.Comment, fmt.Sprintf("Created '%s:%s'", ref, name))
			if state, ok := created.Ret.(map[string]interface{}); ok {
				resourceID, _ = state["resource_id"].(string)
			}
		} else {
			ret.OldState = before
			ret.Comment = append(ret.Comment, fmt.Sprintf("'%s:%s' already exists", ref, name))
			if call.Test {
				want := deepCopyMap(before)
				for k, v := range desiredState(name, call.Params) {
					if v != nil {
						want[k] = v
					}
				}
				ret.Changes = DeepDiff(before, want)
				if len(ret.Changes) > 0 {
					ret.Comment = append(ret.Comment, fmt.Sprintf("Would update %s:%s", ref, name))
				}
				ret.NewState = want
				return ret, nil
			}
			updated, err := tools.Update(ctx, &ExecCall{
				Params: desiredState(name, call.Params),
				Before: before,
				Acct:   call.Run.AcctDetails,
			})
			if err != nil {
				return nil, err
			}
			if !updated.Result {
				ret.Result = falsePtr()
				ret.Comment = append(ret.Comment, updated.Comment...)
				return ret, nil
			}
		}

		got, err := tools.Get(ctx, &ExecCall{
			Params: map[string]interface{}{"name": name, "resource_id": resourceID},
			Acct:   call.Run.AcctDetails,
		})
		if err != nil {
			return nil, err
		}
		after, _ := got.Ret.(map[string]interface{})
		ret.NewState = after
		ret.Changes = DeepDiff(before, after)
		if before != nil && len(ret.Changes) > 0 {
			ret.Comment = append(ret.Comment, fmt.Sprintf("Updated '%s:%s'", ref, name))
		}
		return ret, nil
	}
}

// autoAbsent synthesizes an absent operation from a CRUD tool set.
func autoAbsent(tools *AutoStateTools) Function {
	return func(ctx context.Context, call *Call) (*ReturnValue, error) {
		ref := call.Chunk.State
		name := call.Chunk.Name
		ret := &ReturnValue{Result: truePtr()}

		resourceID, _ := call.Params["resource_id"].(string)
		if resourceID == "" {
			ret.Comment = append(ret.Comment, fmt.Sprintf("'%s:%s' already absent", ref, name))
			return ret, nil
		}
		got, err := tools.Get(ctx, &ExecCall{
			Params: map[string]interface{}{"name": name, "resource_id": resourceID},
			Acct:   call.Run.AcctDetails,
			Test:   call.Test,
		})
		if err != nil {
			return nil, err
		}
		before, _ := got.Ret.(map[string]interface{})
		if !got.Result || before == nil {
			ret.Comment = append(ret.Comment, fmt.Sprintf("'%s:%s' already absent", ref, name))
			return ret, nil
		}

		ret.OldState = before
		if call.Test {
			ret.Comment = append(ret.Comment, fmt.Sprintf("Would delete %s:%s", ref, name))
			ret.Changes = DeepDiff(before, nil)
			return ret, nil
		}
		deleted, err := tools.Delete(ctx, &ExecCall{
			Params: map[string]interface{}{"name": name, "resource_id": resourceID},
			Before: before,
			Acct:   call.Run.AcctDetails,
		})
		if err != nil {
			return nil, err
		}
		if !deleted.Result {
			ret.Result = falsePtr()
			ret.Comment = append(ret.Comment, deleted.Comment...)
			return ret, nil
		}
		ret.Comment = append(ret.Comment, fmt.Sprintf("Deleted '%s:%s'", ref, name))
		ret.Changes = DeepDiff(before, nil)
		return ret, nil
	}
}

// autoDescribe synthesizes a describe operation from a CRUD tool set. Every
// listed resource becomes a declarable present block keyed by a unique name.
func autoDescribe(state string, tools *AutoStateTools) Function {
	return func(ctx context.Context, call *Call) (*ReturnValue, error) {
		listed, err := tools.List(ctx, &ExecCall{
			Params: call.Params,
			Acct:   call.Run.AcctDetails,
			Test:   call.Test,
		})
		if err != nil {
			return nil, err
		}
		if !listed.Result {
			return &ReturnValue{Result: falsePtr(), Comment: listed.Comment}, nil
		}
		out := map[string]interface{}{}
		for _, raw := range listedStates(listed.Ret) {
			name, _ := raw["name"].(string)
			if name == "" {
				name = state
			}
			params := make([]interface{}, 0, len(raw))
			for _, key := range tools.CreateParams {
				if v, ok := raw[key]; ok {
					params = append(params, map[string]interface{}{key: v})
				}
			}
			out[fmt.Sprintf("%s-%s", name, uuid.NewString())] = map[string]interface{}{
				state + ".present": params,
			}
		}
		return &ReturnValue{Result: truePtr(), NewState: out}, nil
	}
}

// desiredState is the declared target of a present operation: the chunk
// parameters plus the resource name.
func desiredState(name string, params map[string]interface{}) map[string]interface{} {
	out := deepCopyMap(params)
	if out == nil {
		out = map[string]interface{}{}
	}
	out["name"] = name
	return out
}

func listedStates(ret interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	switch v := ret.(type) {
	case []interface{}:
		for _, e := range v {
			if m, ok := e.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
	case map[string]interface{}:
		for _, e := range v {
			if m, ok := e.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
	case []map[string]interface{}:
		out = v
	}
	return out
}
