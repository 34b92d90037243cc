package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// Config selects what a Telemetry emits and where it goes.
type Config struct {
	// ServiceName and ServiceVersion identify this process on spans and metrics.
	ServiceName    string `json:"service_name" yaml:"service_name"`
	ServiceVersion string `json:"service_version" yaml:"service_version"`
	Environment    string `json:"environment" yaml:"environment"`

	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Events  EventsConfig  `json:"events" yaml:"events"`

	// ResourceAttributes are added to the trace resource, e.g. host or team.
	ResourceAttributes map[string]string `json:"resource_attributes,omitempty" yaml:"resource_attributes,omitempty"`
}

type LoggingConfig struct {
	// Level is a zerolog level name: trace, debug, info, warn, error or fatal.
	Level string `json:"level" yaml:"level"`

	// Format is "console" for humans or "json".
	Format string `json:"format" yaml:"format"`

	// Output is stdout, stderr, discard or a file path to append to.
	Output string `json:"output" yaml:"output"`

	EnableCaller bool `json:"enable_caller" yaml:"enable_caller"`

	// With sampling on, SamplingInitial messages per second pass, then one in
	// SamplingThereafter.
	EnableSampling     bool `json:"enable_sampling" yaml:"enable_sampling"`
	SamplingInitial    int  `json:"sampling_initial" yaml:"sampling_initial"`
	SamplingThereafter int  `json:"sampling_thereafter" yaml:"sampling_thereafter"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `json:"time_format" yaml:"time_format"`
}

type TracingConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Exporter is otlp, stdout or none. With none, spans are sampled but
	// never leave the process.
	Exporter string `json:"exporter" yaml:"exporter"`

	// Endpoint is the OTLP gRPC collector, host:port.
	Endpoint string            `json:"endpoint" yaml:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Insecure bool              `json:"insecure" yaml:"insecure"`

	SamplingRate       float64       `json:"sampling_rate" yaml:"sampling_rate"`
	MaxExportBatchSize int           `json:"max_export_batch_size" yaml:"max_export_batch_size"`
	ExportTimeout      time.Duration `json:"export_timeout" yaml:"export_timeout"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ListenAddress and Path locate the Prometheus scrape endpoint served by
	// the serve command.
	ListenAddress string `json:"listen_address" yaml:"listen_address"`
	Path          string `json:"path" yaml:"path"`

	Namespace string `json:"namespace" yaml:"namespace"`

	// DefaultHistogramBuckets are used for every duration histogram, in seconds.
	DefaultHistogramBuckets []float64 `json:"histogram_buckets,omitempty" yaml:"histogram_buckets,omitempty"`
}

type EventsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// EnableAsync queues events for a background goroutine instead of
	// delivering them inside Publish. BufferSize bounds the queue and
	// MaxBatchSize bounds one delivery round.
	EnableAsync  bool `json:"enable_async" yaml:"enable_async"`
	BufferSize   int  `json:"buffer_size" yaml:"buffer_size"`
	MaxBatchSize int  `json:"max_batch_size" yaml:"max_batch_size"`
}

// DefaultConfig logs to stderr and publishes events synchronously. Tracing
// and metrics are off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "modelmut",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "stdout",
			Headers:            map[string]string{},
			Insecure:           true,
			SamplingRate:       1,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			ListenAddress:           ":9090",
			Path:                    "/metrics",
			Namespace:               "modelmut",
			DefaultHistogramBuckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		Events: EventsConfig{
			Enabled:      true,
			BufferSize:   256,
			MaxBatchSize: 32,
		},
		ResourceAttributes: map[string]string{},
	}
}

// ProductionConfig turns on JSON logs, OTLP tracing at 10% and metrics.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"

	cfg.Logging.Format = "json"
	cfg.Logging.TimeFormat = "unix"
	cfg.Logging.EnableSampling = true

	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Insecure = false
	cfg.Tracing.SamplingRate = 0.1

	cfg.Metrics.Enabled = true
	cfg.Events.EnableAsync = true
	return cfg
}

// TestConfig only lets errors through, to nowhere.
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Logging.Output = "discard"
	return cfg
}

var (
	logLevels    = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats   = []string{"console", "json"}
	spanExporter = []string{"otlp", "stdout", "none"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate reports every problem in c, joined.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.ServiceName == "" || c.ServiceVersion == "" {
		fail("service name and version are required")
	}
	if !oneOf(c.Logging.Level, logLevels) {
		fail("invalid log level %q, want one of %v", c.Logging.Level, logLevels)
	}
	if !oneOf(c.Logging.Format, logFormats) {
		fail("invalid log format %q, want one of %v", c.Logging.Format, logFormats)
	}
	if c.Tracing.Enabled && !oneOf(c.Tracing.Exporter, spanExporter) {
		fail("invalid trace exporter %q, want one of %v", c.Tracing.Exporter, spanExporter)
	}
	if r := c.Tracing.SamplingRate; r < 0 || r > 1 {
		fail("trace sampling rate %g is outside [0, 1]", r)
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		fail("metrics are enabled without a listen address")
	}
	if c.Events.Enabled && c.Events.EnableAsync && c.Events.BufferSize <= 0 {
		fail("async events need a positive buffer size, got %d", c.Events.BufferSize)
	}
	return errors.Join(errs...)
}
