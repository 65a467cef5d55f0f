package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultStarlarkTimeout bounds a state program evaluation when no timeout
// is configured.
const DefaultStarlarkTimeout = 30 * time.Second

// StarlarkEvaluator executes Starlark state programs in a sandboxed
// thread. Programs have no filesystem, network or module access; they see
// only the builtins, the struct constructor and the run params.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator returns an evaluator with the given per-program
// timeout. A non-positive timeout falls back to DefaultStarlarkTimeout.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultStarlarkTimeout
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// StarlarkResult carries the exported globals of an evaluated program.
type StarlarkResult struct {
	// Globals maps global names to their converted Go values. Names with a
	// leading underscore are treated as private and omitted.
	Globals map[string]interface{}

	// ExecutionTime is the wall time the evaluation took.
	ExecutionTime time.Duration
}

// Evaluate runs a program and converts its exported globals to Go values.
// The params are available both splatted as predeclared names and as the
// params dict.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, name string, src []byte, params map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()
	globals, err := se.exec(ctx, name, src, params)
	if err != nil {
		return nil, err
	}
	output := make(map[string]interface{})
	for _, key := range globals.Keys() {
		if strings.HasPrefix(key, "_") {
			continue
		}
		output[key] = fromStarlarkValue(globals[key])
	}
	return &StarlarkResult{Globals: output, ExecutionTime: time.Since(start)}, nil
}

// exec runs a program and returns its raw globals. The loader walks the
// "state" global itself to keep dictionary order.
func (se *StarlarkEvaluator) exec(ctx context.Context, name string, src []byte, params map[string]interface{}) (starlark.StringDict, error) {
	predeclared, err := se.predeclared(params)
	if err != nil {
		return nil, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := se.newThread(name)
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-watchDone:
		}
	}()

	globals, err := starlark.ExecFile(thread, name, src, predeclared)
	if err != nil {
		return nil, se.evalError(evalCtx, err)
	}
	return globals, nil
}

// call invokes a callable produced by a program, passing the run params as
// its single argument.
func (se *StarlarkEvaluator) call(ctx context.Context, name string, fn starlark.Callable, params map[string]interface{}) (starlark.Value, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	arg, err := toStarlarkValue(params)
	if err != nil {
		return nil, fmt.Errorf("failed to convert params: %w", err)
	}

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := se.newThread(name)
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-watchDone:
		}
	}()

	v, err := starlark.Call(thread, fn, starlark.Tuple{arg}, nil)
	if err != nil {
		return nil, se.evalError(evalCtx, err)
	}
	return v, nil
}

func (se *StarlarkEvaluator) evalError(evalCtx context.Context, err error) error {
	if errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("starlark execution timeout after %v", se.timeout)
	}
	if evalCtx.Err() != nil {
		return evalCtx.Err()
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return fmt.Errorf("%s", evalErr.Backtrace())
	}
	return err
}

func (se *StarlarkEvaluator) newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Str("program", name).Msg(msg)
		},
	}
}

// predeclared builds the environment a program starts with: the struct
// constructor, the params dict and each param splatted under its own name.
// Params never shadow predeclared builtins.
func (se *StarlarkEvaluator) predeclared(params map[string]interface{}) (starlark.StringDict, error) {
	pd := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	pv, err := toStarlarkValue(params)
	if err != nil {
		return nil, fmt.Errorf("failed to convert params: %w", err)
	}
	pd["params"] = pv
	for key, value := range params {
		if _, exists := pd[key]; exists {
			continue
		}
		v, err := toStarlarkValue(value)
		if err != nil {
			return nil, fmt.Errorf("failed to convert param %q: %w", key, err)
		}
		pd[key] = v
	}
	return pd, nil
}

// toStarlarkValue converts a Go value to its Starlark equivalent.
func toStarlarkValue(value interface{}) (starlark.Value, error) {
	switch v := value.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case float64:
		return starlark.Float(v), nil
	case string:
		return starlark.String(v), nil
	case []interface{}:
		items := make([]starlark.Value, 0, len(v))
		for _, item := range v {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			items = append(items, sv)
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(v))
		for key, item := range v {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(key), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", value)
	}
}

// fromStarlarkValue converts a Starlark value to its Go equivalent.
// Unconvertible values fall back to their string form.
func fromStarlarkValue(value starlark.Value) interface{} {
	switch v := value.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(v)
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i
		}
		return v.String()
	case starlark.Float:
		return float64(v)
	case starlark.String:
		return string(v)
	case *starlark.List:
		out := make([]interface{}, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			out = append(out, fromStarlarkValue(v.Index(i)))
		}
		return out
	case starlark.Tuple:
		out := make([]interface{}, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			out = append(out, fromStarlarkValue(v.Index(i)))
		}
		return out
	case *starlark.Dict:
		out := make(map[string]interface{}, v.Len())
		for _, item := range v.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				key = item[0].String()
			}
			out[key] = fromStarlarkValue(item[1])
		}
		return out
	case *starlarkstruct.Struct:
		sd := starlark.StringDict{}
		v.ToStringDict(sd)
		out := make(map[string]interface{}, len(sd))
		for key, item := range sd {
			out[key] = fromStarlarkValue(item)
		}
		return out
	default:
		return v.String()
	}
}
