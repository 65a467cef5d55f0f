package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trueup-io/trueup/pkg/engine"
)

func registerExec(reg *engine.Registry) {
	reg.RegisterState("exec", "run", execRun,
		engine.ParamSpec{Name: "cmd", Required: true},
		engine.ParamSpec{Name: "args"},
		engine.ParamSpec{Name: "env"},
		engine.ParamSpec{Name: "cwd"},
		engine.ParamSpec{Name: "shell"},
		engine.ParamSpec{Name: "timeout"},
	)
	reg.RegisterExec("exec.run", execRunTool)

	// Commands are not converged resources: a successful run is final, a
	// failed one is retried until its output stops changing.
	reg.RegisterPending("exec", func(ret *engine.Result) bool {
		return !ret.Succeeded()
	})
}

// execRun runs a command on the local host. The converged state carries the
// command's output so dependents can arg_bind stdout, stderr or rc.
func execRun(ctx context.Context, call *engine.Call) (*engine.ReturnValue, error) {
	cmd, ok := stringParam(call.Params, "cmd")
	if !ok || cmd == "" {
		return nil, engine.NewPermanentError("exec.run requires a cmd parameter", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(call.Chunk.ID)
	}

	if call.Test {
		return &engine.ReturnValue{
			Result:  nil,
			Comment: []string{fmt.Sprintf("Command %q would have been executed", cmd)},
		}, nil
	}

	state, err := runCommand(ctx, call.Params)
	if err != nil {
		return nil, err
	}

	rc, _ := state["rc"].(int)
	ret := &engine.ReturnValue{
		Result:   boolPtr(rc == 0),
		NewState: state,
		Changes: map[string]interface{}{
			"stdout": state["stdout"],
			"stderr": state["stderr"],
			"rc":     rc,
		},
	}
	if rc == 0 {
		ret.Comment = []string{fmt.Sprintf("Command %q run", cmd)}
	} else {
		ret.Comment = []string{fmt.Sprintf("Command %q exited with code %d", cmd, rc)}
	}
	return ret, nil
}

// execRunTool exposes command execution as a callable tool under the
// "exec.run" reference.
func execRunTool(ctx context.Context, call *engine.ExecCall) (*engine.ExecReturn, error) {
	cmd, ok := stringParam(call.Params, "cmd")
	if !ok || cmd == "" {
		return nil, engine.NewPermanentError("exec.run requires a cmd parameter", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if call.Test {
		return &engine.ExecReturn{
			Result:  true,
			Comment: []string{fmt.Sprintf("Command %q would have been executed", cmd)},
		}, nil
	}
	state, err := runCommand(ctx, call.Params)
	if err != nil {
		return nil, err
	}
	rc, _ := state["rc"].(int)
	return &engine.ExecReturn{Result: rc == 0, Ret: state}, nil
}

// runCommand executes the declared command and reports its outcome as a
// state mapping. A non-zero exit is an outcome, not an error; errors are
// reserved for commands that could not run at all.
func runCommand(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	cmdStr, _ := stringParam(params, "cmd")
	args := stringSliceParam(params, "args")
	env := stringMapParam(params, "env")
	cwd, _ := stringParam(params, "cwd")
	shell := boolParam(params, "shell", false)
	timeout := numParam(params, "timeout", 0)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout*float64(time.Second)))
		defer cancel()
	}

	var command *exec.Cmd
	if shell {
		line := cmdStr
		if len(args) > 0 {
			line = cmdStr + " " + strings.Join(args, " ")
		}
		command = exec.CommandContext(ctx, "/bin/sh", "-c", line)
	} else {
		command = exec.CommandContext(ctx, cmdStr, args...)
	}
	if cwd != "" {
		command.Dir = cwd
	}
	if len(env) > 0 {
		command.Env = os.Environ()
		for k, v := range env {
			command.Env = append(command.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	start := time.Now()
	err := command.Run()
	duration := time.Since(start)

	rc := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			rc = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return nil, engine.NewTransientError(fmt.Sprintf("command %q timed out", cmdStr), ctx.Err()).
				WithCode(engine.ErrCodeTimeout)
		} else {
			return nil, engine.NewPermanentError(fmt.Sprintf("command %q could not start", cmdStr), err)
		}
	}

	log.Debug().
		Str("cmd", cmdStr).
		Int("rc", rc).
		Dur("duration", duration).
		Msg("local command completed")

	return map[string]interface{}{
		"cmd":    cmdStr,
		"stdout": strings.TrimSpace(stdout.String()),
		"stderr": strings.TrimSpace(stderr.String()),
		"rc":     rc,
	}, nil
}
