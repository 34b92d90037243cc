// Package telemetry wires logging, tracing, metrics and run events for
// mutation runs.
//
// A Telemetry value bundles four parts built from one Config:
//
//   - Logger wraps zerolog with component, run and step fields.
//   - Tracer creates OpenTelemetry spans, exported over OTLP/gRPC or to stdout.
//   - Metrics holds Prometheus collectors in a private registry.
//   - Events publishes run lifecycle events to in-process subscribers.
//
// Every part degrades to a no-op when disabled, so callers never check
// whether telemetry is configured:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	ctx = tel.WithContext(ctx)
//	step := telemetry.StartStep(ctx, runID, "begin")
//	step.Attempt("begin-named-transaction", err, true)
//	step.Finish("begin-transaction", nil, false)
//
// # Metrics
//
// All metric names carry the configured namespace (default "modelmut"):
//
//   - runs_started_total{provider}
//   - runs_completed_total{provider,status}
//   - run_duration_seconds{status}
//   - active_runs
//   - step_outcomes_total{step,result}
//   - step_duration_seconds{step}
//   - strategy_attempts_total{step,strategy,result}
//   - lock_wait_seconds{mode}
//   - lock_busy_total{mode}
//   - errors_by_kind_total{kind,fatal}
//
// Metrics.Handler serves the registry; the HTTP API mounts it at /metrics.
//
// # Events
//
// Events are delivered synchronously unless EnableAsync is set, in which
// case a background goroutine drains a buffer in batches. Shutdown delivers
// whatever is still buffered.
package telemetry
