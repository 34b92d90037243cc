package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure by the step that produced it and decides
// whether the orchestrator aborts or absorbs it.
type ErrorKind string

const (
	// KindValidation indicates a malformed request. Raised before the resource is touched.
	KindValidation ErrorKind = "validation"

	// KindResourceBusy indicates another operation holds the handle and the lock mode rejects waiting.
	KindResourceBusy ErrorKind = "resource_busy"

	// KindSessionAcquisition indicates the provider is unavailable or the handle is invalid.
	KindSessionAcquisition ErrorKind = "session_acquisition"

	// KindTransactionBegin indicates no begin strategy succeeded.
	KindTransactionBegin ErrorKind = "transaction_begin"

	// KindMutationCreate indicates the target object could not be created.
	KindMutationCreate ErrorKind = "mutation_create"

	// KindMutationAttribute indicates the object exists but could not be named.
	KindMutationAttribute ErrorKind = "mutation_attribute"

	// KindCommit indicates no commit strategy succeeded.
	KindCommit ErrorKind = "commit"

	// KindRollback indicates no rollback strategy succeeded.
	KindRollback ErrorKind = "rollback"

	// KindPersistence indicates no save strategy succeeded.
	KindPersistence ErrorKind = "persistence"

	// KindCleanup indicates closing the session or releasing the lock failed.
	KindCleanup ErrorKind = "cleanup"

	// KindTimeout indicates the caller's deadline expired.
	KindTimeout ErrorKind = "timeout"

	// KindInvalidState indicates a session operation was called in the wrong state.
	KindInvalidState ErrorKind = "invalid_state"

	// KindInternal indicates a bug: a panic outside any provider call.
	KindInternal ErrorKind = "internal"
)

// IsFatal returns true if errors of this kind end the operation early.
func (k ErrorKind) IsFatal() bool {
	switch k {
	case KindValidation, KindResourceBusy, KindSessionAcquisition,
		KindTransactionBegin, KindMutationCreate, KindTimeout, KindInvalidState, KindInternal:
		return true
	default:
		return false
	}
}

// MutationError is a classified error raised while mutating a resource.
type MutationError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Locator is the resource handle being mutated, if known.
	Locator string `json:"locator,omitempty"`

	// Step is the orchestration step that failed.
	Step string `json:"step,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *MutationError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	switch {
	case e.Locator != "" && e.Step != "":
		msg += fmt.Sprintf(" (locator=%s, step=%s)", e.Locator, e.Step)
	case e.Locator != "":
		msg += fmt.Sprintf(" (locator=%s)", e.Locator)
	case e.Step != "":
		msg += fmt.Sprintf(" (step=%s)", e.Step)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *MutationError) Unwrap() error {
	return e.Err
}

// Is matches another *MutationError of the same kind. A target with a code
// also requires the code to match.
func (e *MutationError) Is(target error) bool {
	t, ok := target.(*MutationError)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation         = &MutationError{Kind: KindValidation}
	ErrResourceBusy       = &MutationError{Kind: KindResourceBusy}
	ErrSessionAcquisition = &MutationError{Kind: KindSessionAcquisition}
	ErrTransactionBegin   = &MutationError{Kind: KindTransactionBegin}
	ErrMutationCreate     = &MutationError{Kind: KindMutationCreate}
	ErrMutationAttribute  = &MutationError{Kind: KindMutationAttribute}
	ErrCommit             = &MutationError{Kind: KindCommit}
	ErrRollback           = &MutationError{Kind: KindRollback}
	ErrPersistence        = &MutationError{Kind: KindPersistence}
	ErrCleanup            = &MutationError{Kind: KindCleanup}
	ErrTimeout            = &MutationError{Kind: KindTimeout}
	ErrInvalidState       = &MutationError{Kind: KindInvalidState}
	ErrInternal           = &MutationError{Kind: KindInternal}
)

// NewError creates a classified error.
func NewError(kind ErrorKind, message string, err error) *MutationError {
	return &MutationError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *MutationError {
	return NewError(KindValidation, message, err).WithCode(ErrCodeValidation)
}

// NewResourceBusyError creates a new resource busy error.
func NewResourceBusyError(message string, err error) *MutationError {
	return NewError(KindResourceBusy, message, err).WithCode(ErrCodeBusy)
}

// NewSessionAcquisitionError creates a new session acquisition error.
func NewSessionAcquisitionError(message string, err error) *MutationError {
	return NewError(KindSessionAcquisition, message, err)
}

// NewTransactionBeginError creates a new transaction begin error.
func NewTransactionBeginError(message string, err error) *MutationError {
	return NewError(KindTransactionBegin, message, err)
}

// NewMutationCreateError creates a new mutation create error.
func NewMutationCreateError(message string, err error) *MutationError {
	return NewError(KindMutationCreate, message, err)
}

// NewMutationAttributeError creates a new mutation attribute error.
func NewMutationAttributeError(message string, err error) *MutationError {
	return NewError(KindMutationAttribute, message, err)
}

// NewCommitError creates a new commit error.
func NewCommitError(message string, err error) *MutationError {
	return NewError(KindCommit, message, err)
}

// NewRollbackError creates a new rollback error.
func NewRollbackError(message string, err error) *MutationError {
	return NewError(KindRollback, message, err)
}

// NewPersistenceError creates a new persistence error.
func NewPersistenceError(message string, err error) *MutationError {
	return NewError(KindPersistence, message, err)
}

// NewCleanupError creates a new cleanup error.
func NewCleanupError(message string, err error) *MutationError {
	return NewError(KindCleanup, message, err)
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *MutationError {
	return NewError(KindTimeout, message, err).WithCode(ErrCodeTimeout)
}

// WithLocator adds resource context to an error.
func (e *MutationError) WithLocator(locator string) *MutationError {
	e.Locator = locator
	return e
}

// WithStep adds step context to an error.
func (e *MutationError) WithStep(step string) *MutationError {
	e.Step = step
	return e
}

// WithCode adds an error code to an error.
func (e *MutationError) WithCode(code string) *MutationError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *MutationError) WithDetail(key string, value interface{}) *MutationError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the first *MutationError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *MutationError
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind returns true if err carries a *MutationError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return errors.Is(err, &MutationError{Kind: kind})
}

// IsFatal returns true if err ends an operation early.
func IsFatal(err error) bool {
	k, ok := KindOf(err)
	return ok && k.IsFatal()
}

// Common error codes.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodePolicyViolation = "POLICY_VIOLATION"
	ErrCodeBusy            = "RESOURCE_BUSY"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeUnsupported     = "UNSUPPORTED"
	ErrCodeNoObject        = "NO_OBJECT"
	ErrCodeIndeterminate   = "INDETERMINATE_TRANSACTION"
	ErrCodeInternal        = "INTERNAL_ERROR"
)
