package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry combines logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

type runSpanKey struct{}

// NewTelemetry validates cfg and builds every part from it.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment, cfg.ResourceAttributes)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Events: events, Config: cfg}, nil
}

// Noop returns telemetry where every part is disabled.
func Noop() *Telemetry {
	cfg := TestConfig()
	cfg.Events.Enabled = false
	tracer, _ := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment, cfg.ResourceAttributes)
	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events)
	return &Telemetry{Logger: NopLogger(), Tracer: tracer, Metrics: metrics, Events: events, Config: cfg}
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

// FromTelemetryContext returns the telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown drains events and flushes spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}

// WithRunContext starts the run span, scopes the logger to the run and
// counts the run as started. Without telemetry in ctx it returns ctx.
func WithRunContext(ctx context.Context, runID, locator, provider, request string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	ctx, span := tel.Tracer.StartRun(ctx, runID, locator, provider)
	ctx = FromContext(ctx).WithRunID(runID).WithLocator(locator).WithContext(ctx)

	tel.Metrics.RecordRunStarted(provider)
	_ = tel.Events.PublishRunStarted(runID, locator, request)

	return context.WithValue(ctx, runSpanKey{}, span)
}

// EndRunContext ends the span opened by WithRunContext and records the
// run's status.
func EndRunContext(ctx context.Context, runID, locator, provider, status string, duration time.Duration, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(runSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrRunStatus.String(status))
		endSpan(span, err)
	}
	tel.Metrics.RecordRunCompleted(provider, status, duration)

	if err != nil {
		_ = tel.Events.PublishRunFailed(runID, locator, err.Error())
		return
	}
	_ = tel.Events.PublishRunCompleted(runID, locator, status, duration)
}

// StepContext instruments one orchestration step: a span, a step-scoped
// logger, a timer, metrics and events.
type StepContext struct {
	// Ctx carries the step span and logger; pass it to the step's calls.
	Ctx    context.Context
	Logger *Logger

	span  trace.Span
	timer *Timer
	tel   *Telemetry
	runID string
	step  string
}

// StartStep begins step of run runID.
func StartStep(ctx context.Context, runID, step string) *StepContext {
	sc := &StepContext{
		Ctx:    ctx,
		Logger: FromContext(ctx).WithStep(step),
		timer:  NewTimer(),
		tel:    FromTelemetryContext(ctx),
		runID:  runID,
		step:   step,
	}
	if sc.tel != nil {
		sc.Ctx, sc.span = sc.tel.Tracer.Start(ctx, "mutation."+step, AttrRunID.String(runID), AttrStep.String(step))
		if span := sc.span.SpanContext(); span.IsValid() {
			sc.Logger = sc.Logger.WithFields(map[string]interface{}{
				"trace_id": span.TraceID().String(),
				"span_id":  span.SpanID().String(),
			})
		}
	}
	sc.Ctx = sc.Logger.WithContext(sc.Ctx)
	return sc
}

// Attempt records one strategy attempt. fallback is true when another
// strategy will be tried after a failure.
func (sc *StepContext) Attempt(strategy string, err error, fallback bool) {
	if sc.tel == nil {
		return
	}
	strategyEvent(sc.span, sc.step, strategy, err)
	sc.tel.Metrics.RecordStrategyAttempt(sc.step, strategy, err == nil)
	if err != nil && fallback {
		_ = sc.tel.Events.PublishStrategyFallback(sc.runID, sc.step, strategy, err.Error())
	}
}

// Finish ends the step. winner is the strategy that succeeded, if any.
func (sc *StepContext) Finish(winner string, err error, fatal bool) {
	if sc.tel == nil {
		return
	}
	endSpan(sc.span, err)
	sc.tel.Metrics.RecordStep(sc.step, err == nil, sc.timer.Duration())
	if err != nil {
		_ = sc.tel.Events.PublishStepFailed(sc.runID, sc.step, err.Error(), fatal)
		return
	}
	_ = sc.tel.Events.PublishStepCompleted(sc.runID, sc.step, winner)
}
