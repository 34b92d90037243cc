package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for mutation runs.
// A disabled Metrics is safe to use; every recorder is a no-op.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Step and strategy metrics
	stepOutcomes     *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	strategyAttempts *prometheus.CounterVec

	// Lock metrics
	lockWait *prometheus.HistogramVec
	lockBusy *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of mutation runs started",
			},
			[]string{"provider"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of mutation runs completed, by status",
			},
			[]string{"provider", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of mutation runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of mutation runs in flight",
			},
		),

		stepOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_outcomes_total",
				Help:      "Total number of probed steps, by result",
			},
			[]string{"step", "result"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of probed steps in seconds",
				Buckets:   buckets,
			},
			[]string{"step"},
		),
		strategyAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "strategy_attempts_total",
				Help:      "Total number of strategy attempts, by result",
			},
			[]string{"step", "strategy", "result"},
		),

		lockWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for the per-handle lock",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),
		lockBusy: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_busy_total",
				Help:      "Total number of runs rejected because the handle was held",
			},
			[]string{"mode"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of fatal and absorbed errors by kind",
			},
			[]string{"kind", "fatal"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.stepOutcomes,
		m.stepDuration,
		m.strategyAttempts,
		m.lockWait,
		m.lockBusy,
		m.errorsByKind,
	)

	return m, nil
}

// Enabled reports whether metrics are being collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the private registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(provider string) {
	if !m.Enabled() {
		return
	}
	m.runsStarted.WithLabelValues(provider).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(provider, status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(provider, status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordStep records the result of one probed step.
func (m *Metrics) RecordStep(step string, ok bool, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.stepOutcomes.WithLabelValues(step, resultLabel(ok)).Inc()
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordStrategyAttempt records a single strategy attempt inside a step.
func (m *Metrics) RecordStrategyAttempt(step, strategy string, ok bool) {
	if !m.Enabled() {
		return
	}
	m.strategyAttempts.WithLabelValues(step, strategy, resultLabel(ok)).Inc()
}

// RecordLockWait records how long a run waited for its handle.
func (m *Metrics) RecordLockWait(mode string, wait time.Duration) {
	if !m.Enabled() {
		return
	}
	m.lockWait.WithLabelValues(mode).Observe(wait.Seconds())
}

// RecordLockBusy records a run turned away by a held handle.
func (m *Metrics) RecordLockBusy(mode string) {
	if !m.Enabled() {
		return
	}
	m.lockBusy.WithLabelValues(mode).Inc()
}

// RecordError records an error by kind.
func (m *Metrics) RecordError(kind string, fatal bool) {
	if !m.Enabled() {
		return
	}
	m.errorsByKind.WithLabelValues(kind, fmt.Sprintf("%t", fatal)).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (m *Metrics) server() *http.Server {
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// StartMetricsServer starts an HTTP server exposing metrics in the background.
// Serve errors are reported through onError, which may be nil.
func (m *Metrics) StartMetricsServer(onError func(error)) (*http.Server, error) {
	if !m.Enabled() {
		return nil, nil
	}

	server := m.server()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()

	return server, nil
}

// Serve exposes metrics until ctx is done.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.Enabled() {
		return fmt.Errorf("metrics are disabled")
	}

	server := m.server()
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
