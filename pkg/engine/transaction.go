package engine

import (
	"context"

	"github.com/kkurt/erwin-addin-sub001/pkg/telemetry"
)

// TransactionCoordinator applies the run's transaction policy to a session:
// nothing is mutated without a transaction, successful mutations are
// committed, failed ones are rolled back, and end failures never stop the
// session from closing.
type TransactionCoordinator struct {
	logger *telemetry.Logger
}

// NewTransactionCoordinator creates a coordinator.
func NewTransactionCoordinator(logger *telemetry.Logger) *TransactionCoordinator {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &TransactionCoordinator{logger: logger}
}

// Begin opens the named transaction. Failure is fatal to the run.
func (c *TransactionCoordinator) Begin(ctx context.Context, sess *ResourceSession, name string) (string, StrategyOutcome, error) {
	token, outcome, err := sess.BeginTransaction(ctx, name)
	if err != nil {
		c.logger.Zerolog().Error().Err(err).Str("transaction", name).Msg("Transaction could not begin")
		return "", outcome, err
	}
	c.logger.Zerolog().Info().Str("transaction", name).Str("strategy", outcome.Succeeded).Msg("Transaction begun")
	return token, outcome, nil
}

// Commit ends the transaction keeping its changes. The returned error is a
// CommitError to be recorded, never escalated.
func (c *TransactionCoordinator) Commit(ctx context.Context, sess *ResourceSession, token string) (StrategyOutcome, error) {
	outcome, err := sess.EndTransaction(ctx, token, true)
	if err != nil {
		c.logger.Zerolog().Warn().Err(err).Msg("Commit failed")
		return outcome, err
	}
	c.logger.Zerolog().Info().Str("strategy", outcome.Succeeded).Msg("Transaction committed")
	return outcome, nil
}

// Rollback ends the transaction discarding its changes. It runs even when
// ctx is already done, since it is part of cleanup. The returned error is a
// RollbackError; the transaction's state is then indeterminate.
func (c *TransactionCoordinator) Rollback(ctx context.Context, sess *ResourceSession, token string) (StrategyOutcome, error) {
	outcome, err := sess.EndTransaction(context.WithoutCancel(ctx), token, false)
	if err != nil {
		c.logger.Zerolog().Error().Err(err).Msg("Rollback failed, transaction state is indeterminate")
		return outcome, err
	}
	c.logger.Zerolog().Info().Str("strategy", outcome.Succeeded).Msg("Transaction rolled back")
	return outcome, nil
}

// End commits when commit is true and rolls back otherwise.
func (c *TransactionCoordinator) End(ctx context.Context, sess *ResourceSession, token string, commit bool) (StrategyOutcome, error) {
	if commit {
		return c.Commit(ctx, sess, token)
	}
	return c.Rollback(ctx, sess, token)
}
