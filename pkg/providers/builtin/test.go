package builtin

import (
	"context"
	"fmt"

	"github.com/trueup-io/trueup/pkg/engine"
)

func registerTest(reg *engine.Registry) {
	reg.RegisterState("test", "succeed", testState(boolPtr(true)))
	reg.RegisterState("test", "fail", testState(boolPtr(false)))
	reg.RegisterState("test", "present", testState(boolPtr(true)))
	reg.RegisterState("test", "absent", testState(boolPtr(true)))
	reg.RegisterState("test", "pending", testPending)

	// Test states converge the moment they stop carrying rerun data, no
	// matter what changes or results they fabricate.
	reg.RegisterPending("test", func(ret *engine.Result) bool {
		return ret.RerunData != nil
	})
	reg.RegisterWait("test", engine.WaitSpec{
		Alg:    "static",
		Params: map[string]float64{"wait_in_seconds": 1},
	})
}

// testState builds an operation that reports exactly what its declaration
// asks for: result, changes, comment and force_save are all parameters.
func testState(fallback *bool) engine.Function {
	return func(ctx context.Context, call *engine.Call) (*engine.ReturnValue, error) {
		result := fallback
		if v, ok := call.Params["result"]; ok {
			if b, ok := v.(bool); ok {
				result = boolPtr(b)
			}
		}
		ret := &engine.ReturnValue{
			Result:    result,
			Changes:   mapParam(call.Params, "changes"),
			NewState:  map[string]interface{}{"name": call.Chunk.Name},
			ForceSave: boolParam(call.Params, "force_save", false),
		}
		if comment, ok := stringParam(call.Params, "comment"); ok {
			ret.Comment = []string{comment}
		} else {
			ret.Comment = []string{"Success!"}
			if result != nil && !*result {
				ret.Comment = []string{"Failure!"}
			}
		}
		return ret, nil
	}
}

// testPending stays pending for pending_rounds reconciliation rounds before
// settling. The round counter rides on rerun data so each attempt sees how
// far the previous one got.
func testPending(ctx context.Context, call *engine.Call) (*engine.ReturnValue, error) {
	rounds := int(numParam(call.Params, "pending_rounds", 1))
	done := 0
	if prev, ok := call.RerunData.(map[string]interface{}); ok {
		done = int(numParam(prev, "rounds_done", 0))
	}

	if done >= rounds {
		return &engine.ReturnValue{
			Result:   boolPtr(true),
			NewState: map[string]interface{}{"name": call.Chunk.Name, "rounds": rounds},
			Comment:  []string{fmt.Sprintf("Settled after %d rounds", rounds)},
		}, nil
	}

	done++
	return &engine.ReturnValue{
		Result:    nil,
		Changes:   map[string]interface{}{"rounds_done": done},
		Comment:   []string{fmt.Sprintf("Round %d of %d", done, rounds)},
		RerunData: map[string]interface{}{"rounds_done": done},
	}, nil
}
