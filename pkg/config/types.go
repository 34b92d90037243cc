package config

import (
	"time"

	"github.com/kkurt/erwin-addin-sub001/pkg/telemetry"
)

// Config is the complete modelmut configuration.
type Config struct {
	// Provider selects and configures the model document provider.
	Provider ProviderConfig `json:"provider" yaml:"provider"`

	// Run holds per-run orchestration settings.
	Run RunConfig `json:"run" yaml:"run"`

	// Lock configures handle exclusivity.
	Lock LockConfig `json:"lock" yaml:"lock"`

	// Store configures the run history database.
	Store StoreConfig `json:"store" yaml:"store"`

	// Policy configures pre-flight request policies.
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	// Server configures the HTTP API started by "modelmut serve".
	Server ServerConfig `json:"server" yaml:"server"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`

	// Source is the file the configuration was loaded from, if any.
	Source string `json:"-" yaml:"-"`
}

// ProviderConfig configures the provider.
type ProviderConfig struct {
	// Name is the provider name. Only "modelfile" is built in.
	Name string `json:"name" yaml:"name" validate:"required,oneof=modelfile"`

	// Version is the provider API version the document is written for
	// (e.g. "9.2"). Versions below 9.0 select the legacy surface.
	Version string `json:"version" yaml:"version" validate:"required,goversion"`

	// LocatorScheme is the scheme used when qualifying save targets.
	LocatorScheme string `json:"locator_scheme,omitempty" yaml:"locator_scheme,omitempty" validate:"omitempty,alphanum,lowercase"`

	// Watch makes open sessions notice outside edits to their document.
	Watch bool `json:"watch" yaml:"watch"`
}

// RunConfig configures individual runs.
type RunConfig struct {
	// TransactionName overrides the "Create <kind>" transaction name.
	TransactionName string `json:"transaction_name,omitempty" yaml:"transaction_name,omitempty"`

	// Timeout bounds a whole run. Zero means no limit.
	Timeout time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`

	// CleanupGrace is how long a timed-out run waits for the provider to
	// return before the run is abandoned.
	CleanupGrace time.Duration `json:"cleanup_grace" yaml:"cleanup_grace" validate:"gt=0"`

	// Actor is recorded as the author of history entries.
	Actor string `json:"actor" yaml:"actor" validate:"required"`
}

// LockConfig configures handle exclusivity.
type LockConfig struct {
	// Mode is what a second caller on a held handle does (wait or reject).
	Mode string `json:"mode" yaml:"mode" validate:"required,oneof=wait reject"`

	// Backend is local (one process) or redis (shared).
	Backend string `json:"backend" yaml:"backend" validate:"required,oneof=local redis"`

	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig configures the Redis lock backend.
type RedisConfig struct {
	Address   string `json:"address,omitempty" yaml:"address,omitempty" validate:"omitempty,hostname_port"`
	Password  string `json:"password,omitempty" yaml:"password,omitempty"`
	DB        int    `json:"db" yaml:"db" validate:"gte=0"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// TTL bounds how long a crashed holder keeps a handle.
	TTL time.Duration `json:"ttl" yaml:"ttl" validate:"gte=0"`

	// PollInterval is how often a waiting caller retries.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" validate:"gte=0"`
}

// StoreConfig configures the run history database.
type StoreConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Path is the SQLite database path.
	Path string `json:"path" yaml:"path" validate:"required_if=Enabled true"`
}

// PolicyConfig configures request policies.
type PolicyConfig struct {
	// Enabled turns policy evaluation on. Built-in policies always load.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Paths lists extra .rego/.json policy files or directories.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty" validate:"dive,required"`

	// Watch reloads policies from Paths when they change. Only long-running
	// commands honour it.
	Watch bool `json:"watch" yaml:"watch"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddress string        `json:"listen_address" yaml:"listen_address" validate:"required"`
	ReadTimeout   time.Duration `json:"read_timeout" yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout  time.Duration `json:"write_timeout" yaml:"write_timeout" validate:"gte=0"`

	// MaxBodyBytes limits request bodies.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes" validate:"gt=0"`
}

// ValidationError is a single configuration problem with its location.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line and Column are 1-indexed; zero when unknown.
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	// Path is the dotted field path (e.g. "lock.mode").
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmtLocation(e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return loc + ": " + e.Path + ": " + e.Message
	case loc != "":
		return loc + ": " + e.Message
	case e.Path != "":
		return e.Path + ": " + e.Message
	}
	return e.Message
}
