package commands

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/trueup-io/trueup/pkg/config"
	"github.com/trueup-io/trueup/pkg/engine"
	"github.com/trueup-io/trueup/pkg/policy"
	"github.com/trueup-io/trueup/pkg/reconcile"
	"github.com/trueup-io/trueup/pkg/stores"
	"github.com/trueup-io/trueup/pkg/telemetry"
)

func newStateCommand() *cobra.Command {
	var (
		runName          string
		test             bool
		invert           bool
		refresh          bool
		runtime          string
		reconciler       string
		pending          string
		maxPendingReruns int
		esmBackend       string
		upgradeESM       bool
		target           string
		batchSize        int
	)

	cmd := &cobra.Command{
		Use:   "state <source> [source...]",
		Short: "Compile state sources and enforce them",
		Long: `Compile the given state sources down to chunks, execute them in
declaration order honoring requisites, and reconcile pending results
until they settle.

Sources are SLS refs resolved against the configured source directories,
or direct file paths.`,
		Example: `  # Enforce a state file
  trueup state ./states/web.sls

  # Dry run against a ref, reporting intended changes only
  trueup state web.nginx --test

  # Parallel runtime without reconciliation
  trueup state web.nginx --runtime parallel --reconciler none

  # Enforce a single declaration from the tree
  trueup state web.nginx --target nginx_config`,
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

			opts := stateOptions{
				RunName:          runName,
				Test:             test,
				Invert:           invert,
				Refresh:          refresh,
				Runtime:          runtime,
				Reconciler:       reconciler,
				Pending:          pending,
				MaxPendingReruns: maxPendingReruns,
				ESMBackend:       esmBackend,
				UpgradeESM:       upgradeESM,
				Target:           target,
				BatchSize:        batchSize,
			}
			report, err := runState(ctx, cfg, tel, opts, args)
			if report != nil {
				if perr := printJSON(report); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if !report.AllSucceeded() {
				return fmt.Errorf("run %q finished with %d failed states", report.Name, report.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runName, "name", "default", "run name, scopes the state lock")
	cmd.Flags().BoolVar(&test, "test", false, "dry run: report intended changes without mutating")
	cmd.Flags().BoolVar(&invert, "invert", false, "swap present and absent operations")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-populate enforced state from observed state")
	cmd.Flags().StringVar(&runtime, "runtime", engine.RuntimeSerial, "execution runtime (serial, parallel)")
	cmd.Flags().StringVar(&reconciler, "reconciler", "basic", "reconciliation loop (basic, none)")
	cmd.Flags().StringVar(&pending, "pending", "", "pending predicate name (default: default)")
	cmd.Flags().IntVar(&maxPendingReruns, "max-pending-reruns", 0, "cap on reconciliation rounds per tag")
	cmd.Flags().StringVar(&esmBackend, "esm", "sqlite", "enforced-state backend (sqlite, memory)")
	cmd.Flags().BoolVar(&upgradeESM, "upgrade-esm", false, "allow upgrading an older enforced-state schema")
	cmd.Flags().StringVar(&target, "target", "", "restrict the run to one declaration ID")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "max concurrent chunks in parallel waves (0 = unbounded)")

	return cmd
}

type stateOptions struct {
	RunName          string
	Test             bool
	Invert           bool
	Refresh          bool
	Runtime          string
	Reconciler       string
	Pending          string
	MaxPendingReruns int
	ESMBackend       string
	UpgradeESM       bool
	Target           string
	BatchSize        int
}

// runState compiles the refs and drives a full enforcement run, including
// reconciliation and result persistence.
func runState(ctx context.Context, cfg *cliConfig, tel *telemetry.Telemetry, opts stateOptions, refs []string) (*engine.RunReport, error) {
	parts, err := assembleRuntime(ctx, cfg, tel)
	if err != nil {
		return nil, err
	}
	defer parts.close(ctx)

	result, err := parts.Compiler.Compile(ctx, config.Options{
		Sources: cfg.Sources,
		Refs:    refs,
		Params:  cfg.Params,
	})
	if err != nil {
		return nil, err
	}
	if len(result.Errors) > 0 {
		for _, ce := range result.Errors {
			log.Error().Str("source", ce.Source).Msg(ce.Message)
		}
		return nil, fmt.Errorf("compile failed with %d errors", len(result.Errors))
	}

	low := result.Low
	if opts.Target != "" {
		low, err = engine.FilterTarget(low, opts.Target)
		if err != nil {
			return nil, err
		}
	}

	store, err := openStore(ctx, opts.ESMBackend, cfg, opts.UpgradeESM)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close state store")
		}
	}()

	// Dry runs observe the store but never write back; refresh writes even
	// though it implies test semantics.
	readOnly := opts.Test && !opts.Refresh
	session, err := stores.OpenSession(ctx, store, opts.RunName, readOnly)
	if err != nil {
		return nil, err
	}

	var gate engine.ChunkGate
	if len(cfg.PolicyPaths) > 0 {
		g, err := policy.NewGate(ctx, tel.Logger.NewComponentLogger("policy").Zerolog(), policy.Options{
			RunName: opts.RunName,
			Test:    opts.Test,
			Invert:  opts.Invert,
			Paths:   cfg.PolicyPaths,
		})
		if err != nil {
			return nil, err
		}
		gate = g
	}

	run := &engine.RunContext{
		Name:      opts.RunName,
		Test:      opts.Test,
		Refresh:   opts.Refresh,
		Invert:    opts.Invert,
		BatchSize: opts.BatchSize,
		Low:       low,
		Runs:      engine.NewRuns(),
		Managed:   session,
		Registry:  parts.Registry,
		Events:    tel.Events.Sink(opts.RunName),
		Gate:      gate,
	}

	ctx = telemetry.WithRunContext(ctx, opts.RunName, opts.Runtime)
	if err := tel.Events.PublishRunStarted(opts.RunName, opts.Runtime); err != nil {
		log.Debug().Err(err).Msg("failed to publish run started event")
	}
	startedAt := time.Now().UTC()

	runErr := engine.Run(ctx, run, opts.Runtime)
	var reruns int
	if runErr == nil && opts.Reconciler == "basic" {
		var loopReport reconcile.Report
		loopReport, runErr = reconcile.Loop(ctx, reconcile.Options{
			Run:              run,
			Runtime:          opts.Runtime,
			Pending:          opts.Pending,
			MaxPendingReruns: opts.MaxPendingReruns,
			Observer: &telemetry.RoundRecorder{
				Metrics: tel.Metrics,
				Tracer:  tel.Tracer,
				Ctx:     ctx,
				RunName: opts.RunName,
			},
		})
		reruns = loopReport.ReRunsCount
	}

	report := engine.Summarize(run)
	telemetry.EndRunContext(ctx, opts.RunName, run.Status, runErr)
	if err := tel.Events.PublishRunFinished(opts.RunName, run.Status, time.Since(startedAt)); err != nil {
		log.Debug().Err(err).Msg("failed to publish run finished event")
	}

	if err := persistRun(ctx, store, run, report, reruns, opts, startedAt, runErr); err != nil {
		log.Warn().Err(err).Msg("failed to persist run records")
	}
	if err := session.Close(ctx); err != nil {
		log.Warn().Err(err).Str("run_name", opts.RunName).Msg("failed to close state session")
	}
	return report, runErr
}

// persistRun writes the run record and its per-tag results.
func persistRun(ctx context.Context, store stores.Store, run *engine.RunContext, report *engine.RunReport, reruns int, opts stateOptions, startedAt time.Time, runErr error) error {
	now := time.Now().UTC()
	rec := &stores.RunRecord{
		ID:          uuid.NewString(),
		Name:        opts.RunName,
		Runtime:     opts.Runtime,
		Status:      run.Status,
		Test:        opts.Test,
		ReRuns:      reruns,
		StartedAt:   startedAt,
		CompletedAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if runErr != nil {
		msg := runErr.Error()
		rec.Error = &msg
	}
	if err := store.SaveRun(ctx, rec); err != nil {
		return err
	}

	snapshot := run.Runs.Snapshot()
	tags := make([]string, 0, len(snapshot))
	for tag := range snapshot {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		rr, err := stores.NewResultRecord(rec.ID, snapshot[tag])
		if err != nil {
			return err
		}
		if err := store.SaveResult(ctx, rr); err != nil {
			return err
		}
	}
	log.Info().Str("run_id", rec.ID).Str("run_name", opts.RunName).Int("results", len(tags)).Msg("recorded run")
	return nil
}
