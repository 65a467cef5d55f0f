package builtin

import (
	"context"
	"fmt"

	"github.com/trueup-io/trueup/pkg/engine"
)

func registerData(reg *engine.Registry) {
	reg.RegisterState("data.values", "present", dataValuesPresent)
	reg.RegisterState("data.values", "absent", dataValuesAbsent)
}

// dataValuesPresent publishes the declared parameters as the chunk's
// converged state. It never changes anything; its whole purpose is to give
// arg_bind references a source of values.
func dataValuesPresent(ctx context.Context, call *engine.Call) (*engine.ReturnValue, error) {
	values := make(map[string]interface{}, len(call.Params))
	for k, v := range call.Params {
		values[k] = v
	}
	return &engine.ReturnValue{
		Result:   boolPtr(true),
		NewState: values,
		Comment:  []string{fmt.Sprintf("Published %d values", len(values))},
	}, nil
}

// dataValuesAbsent retracts published values. A successful return without a
// new state records the deletion in enforced state.
func dataValuesAbsent(ctx context.Context, call *engine.Call) (*engine.ReturnValue, error) {
	return &engine.ReturnValue{
		Result:  boolPtr(true),
		Comment: []string{"Values retracted"},
	}, nil
}
