package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kkurt/erwin-addin-sub001/pkg/probe"
	"github.com/kkurt/erwin-addin-sub001/pkg/telemetry"
)

// Strategy names, most specific first within each step.
const (
	StrategyBeginNamed    = "begin-named-transaction"
	StrategyBeginBare     = "begin-transaction"
	StrategyCommitToken   = "commit-with-token"
	StrategyCommitBare    = "commit"
	StrategyRollbackToken = "rollback-with-token"
	StrategyRollbackBare  = "rollback"
	StrategyCreateObject  = "create-object"
	StrategySetProperty   = "set-indexed-property"
	StrategySetField      = "set-direct-field"
	StrategySaveLocator   = "save-to-locator"
	StrategySavePath      = "save-to-path"
	StrategySaveDefault   = "save-default"
)

// Step names used in outcomes, spans and metrics.
const (
	StepBegin     = "begin"
	StepCommit    = "commit"
	StepRollback  = "rollback"
	StepCreate    = "create"
	StepAttribute = "set-attribute"
	StepPersist   = "persist"
)

// ResourceSession is one exclusive session against a resource.
// Its state moves Closed -> Open -> TransactionActive -> Open -> Closed.
type ResourceSession struct {
	provider Provider
	logger   *telemetry.Logger

	mu      sync.Mutex
	state   SessionState
	handle  SessionHandle
	locator string
	token   string
	closes  int
}

// NewResourceSession creates a closed session for provider.
func NewResourceSession(provider Provider, logger *telemetry.Logger) *ResourceSession {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &ResourceSession{
		provider: provider,
		logger:   logger,
		state:    SessionClosed,
	}
}

// State returns the current lifecycle state.
func (s *ResourceSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token returns the active transaction token, if any.
func (s *ResourceSession) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Handle returns the provider session handle, or nil when closed.
func (s *ResourceSession) Handle() SessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Document returns the document bound to the session, or nil.
func (s *ResourceSession) Document() Document {
	h := s.Handle()
	if h == nil {
		return nil
	}
	return h.Document()
}

// Acquire opens a session on handle.
func (s *ResourceSession) Acquire(ctx context.Context, handle ResourceHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionClosed {
		return s.stateError("acquire", SessionClosed)
	}
	if s.provider == nil {
		return NewSessionAcquisitionError("no resource provider configured", nil).WithLocator(handle.Locator)
	}

	h, err := openSession(ctx, s.provider, handle.Locator)
	if err != nil {
		return NewSessionAcquisitionError("failed to open session", err).WithLocator(handle.Locator)
	}
	if h == nil {
		return NewSessionAcquisitionError("provider returned no session", nil).WithLocator(handle.Locator)
	}

	s.handle = h
	s.locator = handle.Locator
	s.state = SessionOpen
	s.logger.Zerolog().Debug().Str("locator", handle.Locator).Str("provider", s.provider.Name()).Msg("Session opened")
	return nil
}

func openSession(ctx context.Context, p Provider, locator string) (h SessionHandle, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panicked: %v", r)
		}
	}()
	return p.OpenSession(ctx, locator)
}

// BeginTransaction begins a named transaction, trying a named begin that
// returns a token before a bare begin.
func (s *ResourceSession) BeginTransaction(ctx context.Context, name string) (string, StrategyOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionOpen {
		return "", StrategyOutcome{Step: StepBegin}, s.stateError("begin transaction", SessionOpen)
	}

	h := s.handle
	token, outcome, err := probe.Run(ctx, StepBegin, []probe.Strategy[string]{
		{
			Name: StrategyBeginNamed,
			Run: func(context.Context) (string, error) {
				b, ok := h.(NamedTransactionBeginner)
				if !ok {
					return "", probe.Unsupported(StrategyBeginNamed)
				}
				return b.BeginNamedTransaction(name)
			},
		},
		{
			Name: StrategyBeginBare,
			Run: func(context.Context) (string, error) {
				b, ok := h.(TransactionBeginner)
				if !ok {
					return "", probe.Unsupported(StrategyBeginBare)
				}
				return "", b.BeginTransaction()
			},
		},
	}, s.probeOptions()...)
	if err != nil {
		return "", outcome, NewTransactionBeginError("no begin strategy succeeded", err).
			WithLocator(s.locator).WithStep(StepBegin)
	}

	s.token = token
	s.state = SessionTransactionActive
	s.logger.Zerolog().Debug().Str("strategy", outcome.Succeeded).Str("token", token).Msg("Transaction begun")
	return token, outcome, nil
}

// EndTransaction commits or rolls back the active transaction. With-token
// strategies are only tried when a token exists. The session returns to Open
// whatever the probe's result unless ctx ended the probe, in which case the
// transaction is still active. A failure comes back as a CommitError or
// RollbackError.
func (s *ResourceSession) EndTransaction(ctx context.Context, token string, commit bool) (StrategyOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step := StepRollback
	if commit {
		step = StepCommit
	}
	if s.state != SessionTransactionActive {
		return StrategyOutcome{Step: step}, s.stateError("end transaction", SessionTransactionActive)
	}

	h := s.handle
	var strategies []probe.Strategy[struct{}]
	if commit {
		if token != "" {
			strategies = append(strategies, probe.Action(StrategyCommitToken, func() error {
				c, ok := h.(TokenCommitter)
				if !ok {
					return probe.Unsupported(StrategyCommitToken)
				}
				return c.CommitTransaction(token)
			}))
		}
		strategies = append(strategies, probe.Action(StrategyCommitBare, func() error {
			c, ok := h.(Committer)
			if !ok {
				return probe.Unsupported(StrategyCommitBare)
			}
			return c.Commit()
		}))
	} else {
		if token != "" {
			strategies = append(strategies, probe.Action(StrategyRollbackToken, func() error {
				r, ok := h.(TokenRollbacker)
				if !ok {
					return probe.Unsupported(StrategyRollbackToken)
				}
				return r.RollbackTransaction(token)
			}))
		}
		strategies = append(strategies, probe.Action(StrategyRollbackBare, func() error {
			r, ok := h.(Rollbacker)
			if !ok {
				return probe.Unsupported(StrategyRollbackBare)
			}
			return r.Rollback()
		}))
	}

	outcome, err := probe.Do(ctx, step, strategies, s.probeOptions()...)

	// A probe cut short by ctx says nothing about the provider's
	// transaction, so it stays active for a rollback.
	if err != nil && ctx.Err() != nil {
		if commit {
			return outcome, NewCommitError("commit interrupted", err).WithLocator(s.locator).WithStep(step)
		}
		return outcome, NewRollbackError("rollback interrupted", err).WithLocator(s.locator).WithStep(step)
	}

	s.state = SessionOpen
	s.token = ""

	if err != nil {
		if commit {
			return outcome, NewCommitError("no commit strategy succeeded", err).WithLocator(s.locator).WithStep(step)
		}
		return outcome, NewRollbackError("no rollback strategy succeeded", err).WithLocator(s.locator).WithStep(step)
	}
	s.logger.Zerolog().Debug().Str("step", step).Str("strategy", outcome.Succeeded).Msg("Transaction ended")
	return outcome, nil
}

// Close releases the session. It is valid from Open or TransactionActive and
// is a no-op once closed. The session is Closed afterwards even if the
// provider's close failed; that failure is returned as a CleanupError.
func (s *ResourceSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionClosed {
		return nil
	}
	if s.state == SessionTransactionActive {
		s.logger.Zerolog().Warn().Str("locator", s.locator).Msg("Closing session with an unfinished transaction")
	}

	h := s.handle
	s.handle = nil
	s.token = ""
	s.state = SessionClosed
	s.closes++

	if err := closeHandle(h); err != nil {
		return NewCleanupError("failed to close session", err).WithLocator(s.locator).WithStep("close")
	}
	s.logger.Zerolog().Debug().Str("locator", s.locator).Msg("Session closed")
	return nil
}

// Closes returns how many times the session was actually closed.
func (s *ResourceSession) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func closeHandle(h SessionHandle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("close panicked: %v", r)
		}
	}()
	return h.Close()
}

func (s *ResourceSession) probeOptions() []probe.Option {
	return probeOptions(s.logger)
}

// probeOptions logs every attempt at debug level.
func probeOptions(logger *telemetry.Logger) []probe.Option {
	return []probe.Option{probe.WithObserver(func(step, strategy string, err error) {
		ev := logger.Zerolog().Debug()
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Str("step", step).Str("strategy", strategy).Bool("ok", err == nil).Msg("Strategy attempted")
	})}
}

func (s *ResourceSession) stateError(op string, want SessionState) *MutationError {
	return NewError(KindInvalidState,
		fmt.Sprintf("cannot %s: session is %s, expected %s", op, s.state, want),
		errors.New("invalid session state"),
	).WithLocator(s.locator)
}
