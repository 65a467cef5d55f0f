// Package telemetry provides observability instrumentation for trueup runs.
//
// The package integrates structured logging (zerolog), the run event bus,
// Prometheus metrics and OpenTelemetry tracing into a unified system that the
// CLI initializes once and threads through the process via context.
//
// # Architecture
//
// Four pillars share one configuration:
//
//  1. Structured Logging - context-aware logging with zerolog
//  2. Event Bus - buffered async delivery of run events to subscribers
//  3. Metrics - Prometheus counters, gauges and histograms
//  4. Tracing - OpenTelemetry spans for run, pass, chunk and reconcile round
//
// # Usage
//
// Initialize telemetry at startup and shut it down before exit:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx := tel.WithContext(context.Background())
//
// # Structured Logging
//
// The logger wraps zerolog with run-aware field helpers:
//
//	logger := tel.Logger.NewComponentLogger("executor")
//	logger = logger.WithRunName("deploy").WithTag(tag)
//	logger.Info("chunk dispatched")
//	logger.WithError(err).Error("chunk failed")
//
// Packages that log through the zerolog/log global honor the configured
// level and format once the CLI installs tel.Logger.Zerolog() as the global
// logger.
//
// # Event Bus
//
// The executor publishes its events through a RunSink; any number of
// subscribers consume them, each behind its own filter:
//
//	run.Events = tel.Events.Sink(run.Name)
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s %s\n", event.Type, event.Tag)
//	}, telemetry.FilterByProfile("trueup-run"))
//
// Profiles are matched as glob patterns, so "trueup-*" subscribes to every
// stream while "trueup-run" sees only finalized results. Publishing never
// blocks the run: when the buffer is full the event is dropped and the
// publisher returns an error for the caller to log. Delivery preserves
// publish order per subscriber.
//
// # Metrics
//
// Prometheus metrics cover runs, chunks, reconciliation and errors:
//
//	tel.Metrics.RecordRunStarted("parallel")
//	tel.Metrics.RecordRunCompleted("finished", duration)
//	tel.Metrics.RecordChunkExecution("present", "succeeded", "cloud.instance", duration)
//	tel.Metrics.RecordError("transient", "TIMEOUT")
//
// Metrics satisfies the reconcile loop's observer contract, so handing it to
// the loop records rounds, sleep seconds and the pending gauge:
//
//	trueup_reconcile_rounds_total
//	trueup_reconcile_sleep_seconds_total
//	trueup_pending_chunks
//
// Metrics are served over HTTP at the configured address (default
// :9090/metrics).
//
// # Distributed Tracing
//
// Spans follow the run hierarchy. The CLI opens the run span; the
// SpanSubscriber turns bus events into pass and chunk spans beneath it:
//
//	ctx = telemetry.WithRunContext(ctx, run.Name, runtime)
//	spans := telemetry.NewSpanSubscriber(ctx, tel.Tracer)
//	tel.Events.Subscribe(spans.Handle, spans.Filter())
//	defer spans.Close()
//	defer telemetry.EndRunContext(ctx, run.Name, run.Status, err)
//
// Supported exporters: "otlp" (gRPC collector), "stdout" (development) and
// "none" (spans generated but not exported).
//
// # Configuration
//
// Presets cover the common setups:
//
//	cfg := telemetry.DevelopmentConfig() // console logs, stdout traces
//	cfg := telemetry.ProductionConfig()  // JSON logs, OTLP at 10% sampling
//
// Validate rejects configurations the constructors would fail on, so the CLI
// can report flag mistakes before any run state exists.
//
// # Graceful Shutdown
//
// Shutdown drains the event bus before flushing the tracer, so events
// observed during the run reach their subscribers before the process exits:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Warn().Err(err).Msg("telemetry shutdown incomplete")
//	}
package telemetry
