package commands

import (
	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	var (
		name   string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded runs and their results",
		Long: `Without arguments, list recorded runs newest first. With a run ID,
list that run's per-tag results.`,
		Example: `  # Recent runs for one run name
  trueup runs --name default --limit 10

  # Results of a single run
  trueup runs 2f6b3a1c-9d41-4c8e-b1f7-5f0a2c9e8d13`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCLIConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, "sqlite", cfg, false)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				records, err := store.ListResults(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(records)
			}

			runs, err := store.ListRuns(ctx, name, limit, offset)
			if err != nil {
				return err
			}
			return printJSON(runs)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "filter runs by run name")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	return cmd
}
