package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"github.com/kkurt/erwin-addin-sub001/pkg/telemetry"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "MODELMUT_"

// Errors collects configuration problems.
type Errors []ValidationError

func (e Errors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, ve := range e {
		msgs = append(msgs, ve.String())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name:          "modelfile",
			Version:       "9.2",
			LocatorScheme: "file",
		},
		Run: RunConfig{
			Timeout:      0,
			CleanupGrace: 5 * time.Second,
			Actor:        "cli",
		},
		Lock: LockConfig{
			Mode:    "wait",
			Backend: "local",
			Redis: RedisConfig{
				Address:      "localhost:6379",
				KeyPrefix:    "modelmut:",
				TTL:          5 * time.Minute,
				PollInterval: 100 * time.Millisecond,
			},
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    filepath.Join(".modelmut", "history.db"),
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Server: ServerConfig{
			ListenAddress: ":8080",
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  time.Minute,
			MaxBodyBytes:  1 << 20,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the configuration file at path (YAML, JSON or CUE by
// extension), applies MODELMUT_* environment overrides and validates the
// result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decodeFile(path, data); err != nil {
			return nil, err
		}
		cfg.Source = path
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) decodeFile(path string, data []byte) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		return decodeYAML(path, data, c)
	case ".cue":
		parser, err := NewCUEParser()
		if err != nil {
			return err
		}
		exported, err := parser.Export(path, data)
		if err != nil {
			return err
		}
		return decodeYAML(path, exported, c)
	default:
		return fmt.Errorf("unsupported config format %q: expected .yaml, .yml, .json or .cue", ext)
	}
}

// decodeYAML decodes data over the values already in cfg, rejecting keys
// the configuration does not know. JSON input is accepted as YAML.
func decodeYAML(path string, data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	err := dec.Decode(cfg)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}

	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		errs := make(Errors, 0, len(typeErr.Errors))
		for _, msg := range typeErr.Errors {
			errs = append(errs, yamlError(path, msg))
		}
		return errs
	}
	return Errors{yamlError(path, err.Error())}
}

// yamlError turns "line 3: field x not found" into a located error.
func yamlError(path, msg string) ValidationError {
	ve := ValidationError{File: path, Message: strings.TrimPrefix(msg, "yaml: ")}
	if rest, ok := strings.CutPrefix(ve.Message, "line "); ok {
		if num, tail, ok := strings.Cut(rest, ": "); ok {
			if line, err := strconv.Atoi(num); err == nil {
				ve.Line = line
				ve.Message = tail
			}
		}
	}
	return ve
}

func fmtLocation(file string, line, column int) string {
	if column > 0 {
		return fmt.Sprintf("%s:%d:%d", file, line, column)
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// Encode writes the configuration as YAML.
func (c *Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// WriteFile writes the configuration as YAML to path, creating parent
// directories.
func (c *Config) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	var buf bytes.Buffer
	if err := c.Encode(&buf); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

type envBinding struct {
	name string
	set  func(c *Config, v string) error
}

func durationSetter(field func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func boolSetter(field func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func stringSetter(field func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

var envBindings = []envBinding{
	{"PROVIDER_VERSION", stringSetter(func(c *Config) *string { return &c.Provider.Version })},
	{"PROVIDER_WATCH", boolSetter(func(c *Config) *bool { return &c.Provider.Watch })},
	{"LOCATOR_SCHEME", stringSetter(func(c *Config) *string { return &c.Provider.LocatorScheme })},
	{"RUN_TIMEOUT", durationSetter(func(c *Config) *time.Duration { return &c.Run.Timeout })},
	{"RUN_ACTOR", stringSetter(func(c *Config) *string { return &c.Run.Actor })},
	{"LOCK_MODE", stringSetter(func(c *Config) *string { return &c.Lock.Mode })},
	{"LOCK_BACKEND", stringSetter(func(c *Config) *string { return &c.Lock.Backend })},
	{"REDIS_ADDRESS", stringSetter(func(c *Config) *string { return &c.Lock.Redis.Address })},
	{"REDIS_PASSWORD", stringSetter(func(c *Config) *string { return &c.Lock.Redis.Password })},
	{"STORE_ENABLED", boolSetter(func(c *Config) *bool { return &c.Store.Enabled })},
	{"STORE_PATH", stringSetter(func(c *Config) *string { return &c.Store.Path })},
	{"POLICY_ENABLED", boolSetter(func(c *Config) *bool { return &c.Policy.Enabled })},
	{"POLICY_PATHS", func(c *Config, v string) error {
		c.Policy.Paths = filepath.SplitList(v)
		return nil
	}},
	{"SERVER_ADDRESS", stringSetter(func(c *Config) *string { return &c.Server.ListenAddress })},
	{"LOG_LEVEL", stringSetter(func(c *Config) *string { return &c.Telemetry.Logging.Level })},
	{"LOG_FORMAT", stringSetter(func(c *Config) *string { return &c.Telemetry.Logging.Format })},
	{"TRACING_ENDPOINT", func(c *Config, v string) error {
		c.Telemetry.Tracing.Enabled = true
		c.Telemetry.Tracing.Exporter = "otlp"
		c.Telemetry.Tracing.Endpoint = v
		return nil
	}},
}

// ApplyEnv overrides configuration values from MODELMUT_* variables found
// through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs Errors
	for _, b := range envBindings {
		name := EnvPrefix + b.name
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := b.set(c, strings.TrimSpace(v)); err != nil {
			errs = append(errs, ValidationError{Path: "$" + name, Message: err.Error()})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("goversion", func(fl validator.FieldLevel) bool {
		_, err := version.NewVersion(fl.Field().String())
		return err == nil
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		lc := sl.Current().Interface().(LockConfig)
		if lc.Backend == "redis" && lc.Redis.Address == "" {
			sl.ReportError(lc.Redis.Address, "address", "Address", "required_with_redis", "")
		}
	}, LockConfig{})
	return v
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs Errors

	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				File:    c.Source,
				Path:    fieldPath(fe),
				Message: fieldMessage(fe),
			})
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, ValidationError{File: c.Source, Path: "telemetry", Message: err.Error()})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// fieldPath drops the root struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		ns = rest
	}
	if fe.Tag() == "required_with_redis" {
		ns = strings.TrimSuffix(ns, "address") + "redis.address"
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "required_with_redis":
		return "is required when lock.backend is redis"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "goversion":
		return fmt.Sprintf("%q is not a version (e.g. 9.2)", fe.Value())
	case "gte":
		return "must be at least " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "hostname_port":
		return fmt.Sprintf("%q is not a host:port address", fe.Value())
	case "alphanum", "lowercase":
		return "must be lowercase letters and digits"
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}
