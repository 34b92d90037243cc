package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enabledMetrics(t *testing.T) *Metrics {
	t.Helper()
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	require.NoError(t, err)
	return m
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, ProductionConfig().Validate())

	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	assert.ErrorContains(t, cfg.Validate(), "invalid log level")

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	assert.ErrorContains(t, cfg.Validate(), "invalid trace exporter")

	cfg = DefaultConfig()
	cfg.Tracing.SamplingRate = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.ListenAddress = ""
	assert.Error(t, cfg.Validate())
}

func TestMetrics_DisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)

	assert.False(t, m.Enabled())
	assert.Nil(t, m.Registry())
	assert.NotPanics(t, func() {
		m.RecordRunStarted("modelfile")
		m.RecordRunCompleted("modelfile", "failed", time.Second)
		m.RecordStep("begin", false, time.Millisecond)
		m.RecordLockBusy("reject")
		m.RecordError("timeout", true)
	})
}

func TestMetrics_RecordRun(t *testing.T) {
	m := enabledMetrics(t)

	m.RecordRunStarted("modelfile")
	m.RecordRunStarted("modelfile")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeRuns))

	m.RecordRunCompleted("modelfile", "succeeded", 50*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsCompleted.WithLabelValues("modelfile", "succeeded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.runsStarted.WithLabelValues("modelfile")))
}

func TestMetrics_StepsAndStrategies(t *testing.T) {
	m := enabledMetrics(t)

	m.RecordStrategyAttempt("begin", "begin-named-transaction", false)
	m.RecordStrategyAttempt("begin", "begin-transaction", true)
	m.RecordStep("begin", true, time.Millisecond)
	m.RecordError("mutation_attribute", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.strategyAttempts.WithLabelValues("begin", "begin-named-transaction", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.strategyAttempts.WithLabelValues("begin", "begin-transaction", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepOutcomes.WithLabelValues("begin", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByKind.WithLabelValues("mutation_attribute", "false")))
}

func TestEvents_Sync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	require.NoError(t, err)

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByRunID("run-1"))

	require.NoError(t, ep.PublishRunStarted("run-1", "file:///a.yaml", "Entity.Name=A"))
	require.NoError(t, ep.PublishRunStarted("run-2", "file:///b.yaml", "Entity.Name=B"))
	require.NoError(t, ep.PublishStepFailed("run-1", "commit", "boom", false))

	require.Len(t, got, 2)
	assert.Equal(t, EventTypeRunStarted, got[0].Type)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, EventTypeStepFailed, got[1].Type)
}

func TestEvents_AsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16, MaxBatchSize: 4})
	require.NoError(t, err)

	var mu sync.Mutex
	var count int
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, ep.PublishLockBusy("run", "file:///a.yaml"))
	}
	require.NoError(t, ep.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, count)
	assert.Error(t, ep.Publish(Event{Type: EventTypeRunStarted}))
}

func TestEvents_AcceptedEventsSurviveConcurrentShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 4096, MaxBatchSize: 8})
	require.NoError(t, err)

	var delivered atomic.Int64
	ep.Subscribe(func(Event) { delivered.Add(1) }, nil)

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				err := ep.PublishLockBusy("run", "file:///a.yaml")
				if errors.Is(err, ErrPublisherStopped) {
					return
				}
				if err == nil {
					accepted.Add(1)
				}
			}
		}()
	}

	time.Sleep(time.Millisecond)
	require.NoError(t, ep.Shutdown(context.Background()))
	wg.Wait()

	assert.Equal(t, accepted.Load(), delivered.Load())
}

func TestEvents_Disabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{})
	require.NoError(t, err)

	called := false
	ep.Subscribe(func(Event) { called = true }, nil)
	require.NoError(t, ep.PublishRunFailed("run", "x", "nope"))
	require.NoError(t, ep.Shutdown(context.Background()))
	assert.False(t, called)
}

func TestEvents_Filters(t *testing.T) {
	e := Event{Type: EventTypeLockBusy, Level: EventLevelWarning, Locator: "a"}

	assert.True(t, FilterByLevel(EventLevelInfo)(e))
	assert.True(t, FilterByLevel(EventLevelWarning)(e))
	assert.False(t, FilterByLevel(EventLevelError)(e))
	assert.True(t, FilterByType(EventTypeLockBusy, EventTypeRunFailed)(e))
	assert.False(t, FilterByType(EventTypeRunStarted)(e))
	assert.True(t, FilterByLocator("a")(e))
}

func TestStepContext_PublishesFallbacks(t *testing.T) {
	tel, err := NewTelemetry(TestConfig())
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	var types []string
	tel.Events.Subscribe(func(e Event) { types = append(types, e.Type) }, nil)

	ctx := tel.WithContext(context.Background())
	step := StartStep(ctx, "run-1", "begin")
	step.Attempt("begin-named-transaction", errors.New("unsupported"), true)
	step.Attempt("begin-transaction", nil, false)
	step.Finish("begin-transaction", nil, false)

	assert.Equal(t, []string{EventTypeStrategyFallback, EventTypeStepCompleted}, types)
}

func TestLogger_Output(t *testing.T) {
	_, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: "discard"})
	require.NoError(t, err)

	_, err = NewLogger(LoggingConfig{Level: "info", Format: "json", Output: "/nonexistent/dir/log.txt"})
	assert.Error(t, err)

	assert.NotNil(t, FromContext(context.Background()))
}
