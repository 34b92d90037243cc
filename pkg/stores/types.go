package stores

import (
	"context"
	"time"
)

// RunStatus represents how far a recorded run got
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run represents one recorded mutation run
type Run struct {
	ID             string    `json:"id"`
	Locator        string    `json:"locator"`
	Provider       string    `json:"provider"`
	TargetKind     string    `json:"target_kind"`
	AttributeName  string    `json:"attribute_name"`
	AttributeValue string    `json:"attribute_value"`
	Status         RunStatus `json:"status"`

	Created       bool `json:"created"`
	NameApplied   bool `json:"name_applied"`
	Committed     bool `json:"committed"`
	RolledBack    bool `json:"rolled_back"`
	Persisted     bool `json:"persisted"`
	SessionClosed bool `json:"session_closed"`

	ObjectID  *string `json:"object_id,omitempty"`
	ErrorKind *string `json:"error_kind,omitempty"`
	Error     *string `json:"error,omitempty"`
	Summary   string  `json:"summary"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMS  int64     `json:"duration_ms"`
	Metadata    string    `json:"metadata"` // JSON blob
	CreatedAt   time.Time `json:"created_at"`
}

// StepOutcome records which strategies one step of a run tried
type StepOutcome struct {
	ID        int64   `json:"id"`
	RunID     string  `json:"run_id"`
	Seq       int     `json:"seq"`
	Step      string  `json:"step"`
	Attempted string  `json:"attempted"`           // JSON array of strategy names
	Succeeded *string `json:"succeeded,omitempty"` // winning strategy
	Errors    *string `json:"errors,omitempty"`    // JSON object strategy -> reason
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Step      *string    `json:"step,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "run.recorded", "document.initialized"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // run ID or locator
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// RunRecord is everything stored for one run. It is written atomically.
type RunRecord struct {
	Run    *Run
	Steps  []*StepOutcome
	Events []*Event
	Audit  *AuditEntry
}

// RunFilter narrows ListRuns. Nil fields match everything.
type RunFilter struct {
	Locator *string
	Status  *RunStatus
}

// Store defines the interface for the run history store
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	RecordRun(ctx context.Context, rec *RunRecord) error
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// StepOutcome operations
	CreateStepOutcome(ctx context.Context, step *StepOutcome) error
	ListStepOutcomes(ctx context.Context, runID string) ([]*StepOutcome, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
