package engine

import (
	"encoding/json"
	"fmt"
)

// SessionState is the lifecycle state of a ResourceSession.
type SessionState string

const (
	// SessionClosed indicates no session is held.
	SessionClosed SessionState = "closed"

	// SessionOpen indicates a session is held with no transaction in progress.
	SessionOpen SessionState = "open"

	// SessionTransactionActive indicates a transaction has begun and not yet ended.
	SessionTransactionActive SessionState = "transaction_active"
)

// Validate checks if the session state is valid.
func (s SessionState) Validate() error {
	switch s {
	case SessionClosed, SessionOpen, SessionTransactionActive:
		return nil
	default:
		return fmt.Errorf("invalid session state: %s", s)
	}
}

// RunState is the position of the orchestrator within one operation.
type RunState string

const (
	RunStateIdle            RunState = "idle"
	RunStateSessionOpening  RunState = "session_opening"
	RunStateTransactionOpen RunState = "transaction_open"
	RunStateMutating        RunState = "mutating"
	RunStateCommitting      RunState = "committing"
	RunStateRollingBack     RunState = "rolling_back"
	RunStateClosing         RunState = "closing"
	RunStatePersisting      RunState = "persisting"
	RunStateDone            RunState = "done"
)

// IsTerminal returns true if the run state is final.
func (s RunState) IsTerminal() bool {
	return s == RunStateDone
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case RunStateIdle, RunStateSessionOpening, RunStateTransactionOpen,
		RunStateMutating, RunStateCommitting, RunStateRollingBack,
		RunStateClosing, RunStatePersisting, RunStateDone:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// RunStatus summarizes how far an operation got.
type RunStatus string

const (
	// RunStatusSucceeded indicates every step succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates the object was created but some later step was absorbed as a failure.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates a fatal error ended the operation.
	RunStatusFailed RunStatus = "failed"
)

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusSucceeded, RunStatusPartial, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// ExitCode maps a status to a process exit code.
func (s RunStatus) ExitCode() int {
	switch s {
	case RunStatusSucceeded:
		return 0
	case RunStatusPartial:
		return 2
	default:
		return 1
	}
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := RunStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}
