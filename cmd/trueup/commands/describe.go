package commands

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/trueup-io/trueup/pkg/engine"
)

func newDescribeCommand() *cobra.Command {
	var (
		workers int
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "describe <pattern>",
		Short: "Render existing resources as state declarations",
		Long: `Enumerate the existing resources of every registered resource type
matching the glob pattern and render them as declarations, ready to
paste into a state source.`,
		Example: `  # Describe everything the loaded plugins can enumerate
  trueup describe '*'

  # Describe one resource type
  trueup describe localfs.file`,
		Args: cobra.ExactArgs(1),
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

			run := &engine.RunContext{
				Name:     "describe",
				Runs:     engine.NewRuns(),
				Registry: parts.Registry,
			}
			report, err := engine.Describe(ctx, run, args[0], workers)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(report)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(report.Declarations)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 4, "resource types described concurrently")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the full report as JSON instead of YAML declarations")

	return cmd
}
