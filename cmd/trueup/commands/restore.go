package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/trueup-io/trueup/pkg/engine"
)

func newRestoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <run-id>",
		Short: "Re-seed enforced state from a recorded run",
		Long: `Replay the per-tag results of a recorded run into the enforced-state
store. Each successful result with a converged state overwrites the
store entry under its tag; results without one are skipped.

Use this after replacing a database, or to roll the enforced view back
to what a past run observed.`,
		Example: `  # Restore from a run recorded earlier
  trueup restore 2f6b3a1c-9d41-4c8e-b1f7-5f0a2c9e8d13`,
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

			store, err := openStore(ctx, "sqlite", cfg, false)
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					log.Warn().Err(err).Msg("failed to close state store")
				}
			}()

			runID := args[0]
			run, err := store.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			records, err := store.ListResults(ctx, runID)
			if err != nil {
				return err
			}

			restored := 0
			for _, rec := range records {
				res, err := rec.Decode()
				if err != nil {
					return fmt.Errorf("failed to decode result for tag %s: %w", rec.Tag, err)
				}
				if !res.Succeeded() {
					continue
				}
				state, ok := res.NewState.(map[string]interface{})
				if !ok || state == nil {
					continue
				}
				s, id, name, _, err := engine.ParseTag(res.Tag)
				if err != nil {
					log.Warn().Str("tag", res.Tag).Err(err).Msg("skipping malformed tag")
					continue
				}
				esmTag := s + engine.TagSep + id + engine.TagSep + name + engine.TagSep
				if err := store.SetState(ctx, esmTag, state); err != nil {
					return fmt.Errorf("failed to restore state for %s: %w", esmTag, err)
				}
				restored++
			}

			log.Info().
				Str("run_id", runID).
				Str("run_name", run.Name).
				Int("restored", restored).
				Int("results", len(records)).
				Msg("enforced state restored")
			return nil
		},
	}

	return cmd
}
