package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kkurt/erwin-addin-sub001/pkg/probe"
)

// StrategyOutcome records which strategies a probed step tried.
type StrategyOutcome = probe.Outcome

// OperationReport is the single result of a mutation run. Partial success is
// expressed through the flags; FinalError is set only for fatal failures.
type OperationReport struct {
	RunID    string          `json:"run_id"`
	Locator  string          `json:"locator"`
	Provider string          `json:"provider,omitempty"`
	Request  MutationRequest `json:"request"`
	State    RunState        `json:"state"`

	Created       bool `json:"created"`
	NameApplied   bool `json:"name_applied"`
	Committed     bool `json:"committed"`
	RolledBack    bool `json:"rolled_back"`
	Persisted     bool `json:"persisted"`
	SessionClosed bool `json:"session_closed"`

	ObjectID         string `json:"object_id,omitempty"`
	TransactionToken string `json:"transaction_token,omitempty"`

	// StepOutcomes holds one entry per probed step, in execution order.
	StepOutcomes []StrategyOutcome `json:"step_outcomes"`

	// Errors holds absorbed failures in the order they happened.
	Errors []error `json:"-"`

	// Warnings are human-readable notes: absorbed errors and policy warnings.
	Warnings []string `json:"warnings,omitempty"`

	// Trail is the status trail shown to users.
	Trail []string `json:"trail"`

	// FinalError is set when a fatal error ended the run.
	FinalError error `json:"-"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Status classifies the run as succeeded, partial or failed.
func (r *OperationReport) Status() RunStatus {
	switch {
	case r.FinalError != nil || !r.Created:
		return RunStatusFailed
	case r.NameApplied && r.Committed && r.Persisted && r.SessionClosed:
		return RunStatusSucceeded
	default:
		return RunStatusPartial
	}
}

// Succeeded reports whether every step succeeded.
func (r *OperationReport) Succeeded() bool {
	return r.Status() == RunStatusSucceeded
}

// Partial reports whether the object was created but some later step failed.
func (r *OperationReport) Partial() bool {
	return r.Status() == RunStatusPartial
}

// Outcome returns the outcome recorded for step.
func (r *OperationReport) Outcome(step string) (StrategyOutcome, bool) {
	for _, o := range r.StepOutcomes {
		if o.Step == step {
			return o, true
		}
	}
	return StrategyOutcome{}, false
}

// HasError reports whether the final or any absorbed error is of kind.
func (r *OperationReport) HasError(kind ErrorKind) bool {
	if r.FinalError != nil && IsKind(r.FinalError, kind) {
		return true
	}
	for _, err := range r.Errors {
		if IsKind(err, kind) {
			return true
		}
	}
	return false
}

// Summary renders a one-line message for users.
func (r *OperationReport) Summary() string {
	subject := fmt.Sprintf("%s '%s'", r.Request.TargetKind, r.Request.AttributeValue)

	if r.Status() == RunStatusFailed {
		if r.FinalError != nil {
			return fmt.Sprintf("Failed to create %s: %v", subject, r.FinalError)
		}
		return fmt.Sprintf("Failed to create %s", subject)
	}

	done := []string{"created"}
	var missing []string
	for _, part := range []struct {
		ok   bool
		word string
	}{
		{r.NameApplied, "named"},
		{r.Committed, "committed"},
		{r.Persisted, "saved"},
	} {
		if part.ok {
			done = append(done, part.word)
		} else {
			missing = append(missing, part.word)
		}
	}

	msg := fmt.Sprintf("%s %s", subject, joinWords(done, "and"))
	if len(missing) > 0 {
		msg += ", but not " + joinWords(missing, "or")
	}
	if !r.SessionClosed {
		msg += " (session may still be open)"
	}
	return msg
}

func joinWords(words []string, conj string) string {
	switch len(words) {
	case 0:
		return ""
	case 1:
		return words[0]
	default:
		return strings.Join(words[:len(words)-1], ", ") + " " + conj + " " + words[len(words)-1]
	}
}

// MarshalJSON adds status, summary and error strings.
func (r *OperationReport) MarshalJSON() ([]byte, error) {
	type alias OperationReport
	out := struct {
		*alias
		Status     RunStatus `json:"status"`
		Summary    string    `json:"summary"`
		FinalError string    `json:"final_error,omitempty"`
		ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	}{
		alias:   (*alias)(r),
		Status:  r.Status(),
		Summary: r.Summary(),
	}
	if r.FinalError != nil {
		out.FinalError = r.FinalError.Error()
		out.ErrorKind, _ = KindOf(r.FinalError)
	}
	return json.Marshal(out)
}

// clone returns a deep copy safe to hand to callers.
func (r *OperationReport) clone() *OperationReport {
	c := *r
	c.StepOutcomes = make([]StrategyOutcome, len(r.StepOutcomes))
	for i, o := range r.StepOutcomes {
		c.StepOutcomes[i] = o.Clone()
	}
	c.Errors = append([]error(nil), r.Errors...)
	c.Warnings = append([]string(nil), r.Warnings...)
	c.Trail = append([]string(nil), r.Trail...)
	return &c
}

// reportBuilder assembles a report. It is shared between Run and the
// worker executing the steps, so every access is guarded.
type reportBuilder struct {
	mu sync.Mutex
	r  OperationReport
}

func newReportBuilder(runID, locator, provider string, req MutationRequest) *reportBuilder {
	return &reportBuilder{r: OperationReport{
		RunID:        runID,
		Locator:      locator,
		Provider:     provider,
		Request:      req,
		State:        RunStateIdle,
		StepOutcomes: []StrategyOutcome{},
		Trail:        []string{},
		StartedAt:    time.Now(),
	}}
}

func (b *reportBuilder) update(fn func(r *OperationReport)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.r)
}

func (b *reportBuilder) setState(s RunState) {
	b.update(func(r *OperationReport) { r.State = s })
}

func (b *reportBuilder) trail(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	b.update(func(r *OperationReport) { r.Trail = append(r.Trail, line) })
}

func (b *reportBuilder) outcome(o StrategyOutcome) {
	b.update(func(r *OperationReport) { r.StepOutcomes = append(r.StepOutcomes, o.Clone()) })
}

func (b *reportBuilder) warn(msg string) {
	b.update(func(r *OperationReport) { r.Warnings = append(r.Warnings, msg) })
}

// absorb records a non-fatal error.
func (b *reportBuilder) absorb(err error) {
	b.update(func(r *OperationReport) {
		r.Errors = append(r.Errors, err)
		r.Warnings = append(r.Warnings, err.Error())
	})
}

// fail sets the final error, joining it with any earlier fatal error.
func (b *reportBuilder) fail(err error) {
	b.update(func(r *OperationReport) {
		if r.FinalError == nil {
			r.FinalError = err
			return
		}
		r.FinalError = errors.Join(r.FinalError, err)
	})
}

func (b *reportBuilder) failed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.r.FinalError != nil
}

// snapshot returns a finished copy of the report.
func (b *reportBuilder) snapshot() *OperationReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.r.clone()
	c.CompletedAt = time.Now()
	c.Duration = c.CompletedAt.Sub(c.StartedAt)
	return c
}
