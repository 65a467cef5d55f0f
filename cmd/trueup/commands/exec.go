package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/trueup-io/trueup/pkg/engine"
)

func newExecCommand() *cobra.Command {
	var test bool

	cmd := &cobra.Command{
		Use:   "exec <ref> [key=value...]",
		Short: "Invoke a registered tool directly",
		Long: `Invoke one registered tool by ref, outside of any run. Arguments are
key=value pairs; values parse as JSON when they can, and fall back to
plain strings.`,
		Example: `  # Run a local command
  trueup exec exec.run cmd=uptime

  # Remote command against an inventory target
  trueup exec exec.remote.run target=web1 cmd='systemctl is-active nginx'

  # Structured argument
  trueup exec exec.run cmd=ls 'args=["-l","/tmp"]'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCLIConfig()
			if err != nil {
				return err
			}
			tel, err := newTelemetry(cfg)
			if err != nil {
				return err
			}
			ctx := tel.WithContext(cmd.Context())
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer scancel()
				if err := tel.Shutdown(sctx); err != nil {
					log.Warn().Err(err).Msg("telemetry shutdown failed")
				}
			}()

			parts, err := assembleRuntime(ctx, cfg, tel)
			if err != nil {
				return err
			}
			defer parts.close(ctx)

			ref := args[0]
			fn, ok := parts.Registry.ResolveExec(ref)
			if !ok {
				fn, ok = parts.Registry.ResolveExec("exec." + ref)
			}
			if !ok {
				return fmt.Errorf("no tool registered for ref %q", ref)
			}

			params, err := parseKeyValues(args[1:])
			if err != nil {
				return err
			}

			ret, err := fn(ctx, &engine.ExecCall{Params: params, Test: test})
			if err != nil {
				return err
			}
			if perr := printJSON(ret); perr != nil {
				return perr
			}
			if !ret.Result {
				return fmt.Errorf("tool %q reported failure", ref)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&test, "test", false, "invoke the tool in dry-run mode")

	return cmd
}

// parseKeyValues turns key=value arguments into a params map. Values that
// parse as JSON keep their structure.
func parseKeyValues(args []string) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(args))
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", arg)
		}
		var parsed interface{}
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			params[key] = parsed
		} else {
			params[key] = value
		}
	}
	return params, nil
}
