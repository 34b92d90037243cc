package engine

import (
	"context"

	"github.com/kkurt/erwin-addin-sub001/pkg/probe"
	"github.com/kkurt/erwin-addin-sub001/pkg/telemetry"
)

// PersistenceCommitter saves a mutated document after its session closed.
type PersistenceCommitter struct {
	scheme string
	logger *telemetry.Logger
}

// NewPersistenceCommitter creates a committer. scheme qualifies raw-path
// locators for the save-to-locator strategy.
func NewPersistenceCommitter(scheme string, logger *telemetry.Logger) *PersistenceCommitter {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &PersistenceCommitter{scheme: scheme, logger: logger}
}

// Save tries, in order: the scheme-qualified locator, the raw path, and the
// document's own origin. All failing yields a PersistenceError.
func (c *PersistenceCommitter) Save(ctx context.Context, doc Document, handle ResourceHandle) (StrategyOutcome, error) {
	qualified := handle.Qualified(c.scheme)
	path := handle.Path()

	saveTo := func(name, target string) probe.Strategy[struct{}] {
		return probe.Action(name, func() error {
			s, ok := doc.(TargetSaver)
			if !ok {
				return probe.Unsupported(name)
			}
			return s.SaveTo(target)
		})
	}

	strategies := []probe.Strategy[struct{}]{
		saveTo(StrategySaveLocator, qualified),
		saveTo(StrategySavePath, path),
		probe.Action(StrategySaveDefault, func() error {
			s, ok := doc.(DefaultSaver)
			if !ok {
				return probe.Unsupported(StrategySaveDefault)
			}
			return s.Save()
		}),
	}
	if doc == nil {
		strategies = nil
	}

	outcome, err := probe.Do(ctx, StepPersist, strategies, probeOptions(c.logger)...)
	if err != nil {
		return outcome, NewPersistenceError("document not saved, changes may be lost", err).
			WithLocator(handle.Locator).WithStep(StepPersist)
	}

	c.logger.Zerolog().Info().Str("strategy", outcome.Succeeded).Str("locator", handle.Locator).Msg("Document saved")
	return outcome, nil
}
