package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kkurt/erwin-addin-sub001/pkg/config"
	"github.com/kkurt/erwin-addin-sub001/pkg/engine"
	"github.com/kkurt/erwin-addin-sub001/pkg/lock"
	"github.com/kkurt/erwin-addin-sub001/pkg/policy"
	"github.com/kkurt/erwin-addin-sub001/pkg/providers/modelfile"
	"github.com/kkurt/erwin-addin-sub001/pkg/stores"
	"github.com/kkurt/erwin-addin-sub001/pkg/telemetry"
)

// app holds everything a command needs, built from the configuration.
type app struct {
	cfg          *config.Config
	tel          *telemetry.Telemetry
	logger       zerolog.Logger
	provider     *modelfile.Provider
	store        *stores.SQLiteStore
	policies     *policy.Engine
	locker       lock.Locker
	redis        *redis.Client
	orchestrator *engine.Orchestrator
}

type appOptions struct {
	// needStore fails when history is disabled.
	needStore bool

	// orchestrate builds the orchestrator and its locker.
	orchestrate bool

	// override adjusts the loaded configuration from command flags. The
	// result is validated again.
	override func(cfg *config.Config)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

func newApp(ctx context.Context, opts appOptions) (_ *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if opts.override != nil {
		opts.override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog().With().Str("component", "cli").Logger(),
	}
	defer func() {
		if err != nil {
			a.close(ctx)
		}
	}()

	a.provider, err = modelfile.NewProvider(
		modelfile.WithVersion(cfg.Provider.Version),
		modelfile.WithWatch(cfg.Provider.Watch),
		modelfile.WithLogger(tel.Logger),
	)
	if err != nil {
		return nil, err
	}

	switch {
	case cfg.Store.Enabled:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		a.store, err = stores.Open(ctx, stores.Config{Path: cfg.Store.Path})
		if err != nil {
			return nil, fmt.Errorf("failed to open run history: %w", err)
		}
	case opts.needStore:
		return nil, errors.New("run history is disabled (store.enabled is false)")
	}

	a.policies, err = policy.NewEngine(*tel.Logger.Zerolog())
	if err != nil {
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := a.policies.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}

	if !opts.orchestrate {
		return a, nil
	}

	if err := a.buildLocker(ctx); err != nil {
		return nil, err
	}

	if err := a.buildOrchestrator(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) buildLocker(ctx context.Context) error {
	switch a.cfg.Lock.Backend {
	case "redis":
		rc := a.cfg.Lock.Redis
		a.redis = redis.NewClient(&redis.Options{
			Addr:     rc.Address,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", rc.Address, err)
		}

		var opts []lock.RedisOption
		if rc.TTL > 0 {
			opts = append(opts, lock.WithTTL(rc.TTL))
		}
		if rc.PollInterval > 0 {
			opts = append(opts, lock.WithPollInterval(rc.PollInterval))
		}
		a.locker = lock.NewRedisLocker(a.redis, rc.KeyPrefix, opts...)
	default:
		a.locker = lock.NewLocalLocker()
	}
	return nil
}

func (a *app) buildOrchestrator() error {
	mode, err := lock.ParseMode(a.cfg.Lock.Mode)
	if err != nil {
		return err
	}

	opts := []engine.Option{
		engine.WithLocker(a.locker),
		engine.WithTelemetry(a.tel),
		engine.WithOptions(engine.Options{
			TransactionName: a.cfg.Run.TransactionName,
			LocatorScheme:   a.cfg.Provider.LocatorScheme,
			LockMode:        mode,
			Timeout:         a.cfg.Run.Timeout,
			CleanupGrace:    a.cfg.Run.CleanupGrace,
		}),
	}
	if a.cfg.Policy.Enabled {
		opts = append(opts, engine.WithPolicy(a.policies))
	}
	if a.store != nil {
		opts = append(opts, engine.WithRecorder(engine.NewStoreRecorder(a.store, a.cfg.Run.Actor)))
	}

	a.orchestrator, err = engine.NewOrchestrator(a.provider, opts...)
	return err
}

func (a *app) close(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close run history")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		a.logger.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}
