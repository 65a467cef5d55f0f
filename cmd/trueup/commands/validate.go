package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/trueup-io/trueup/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <source> [source...]",
		Short: "Compile state sources without executing them",
		Long: `Gather and compile the given state sources, reporting every
syntax, requisite and parameter schema error. Nothing is executed.`,
		Example: `  # Validate a state file
  trueup validate ./states/web.sls

  # Validate a ref against the configured sources
  trueup validate web.nginx`,
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

			result, err := parts.Compiler.Compile(ctx, config.Options{
				Sources: cfg.Sources,
				Refs:    args,
				Params:  cfg.Params,
			})
			if err != nil {
				return err
			}
			if len(result.Errors) > 0 {
				if perr := printJSON(result.Errors); perr != nil {
					return perr
				}
				return fmt.Errorf("validation failed with %d errors", len(result.Errors))
			}

			log.Info().Int("chunks", len(result.Low)).Msg("sources compiled cleanly")
			return nil
		},
	}

	return cmd
}
