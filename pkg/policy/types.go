package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is informational and never blocks a run.
	SeverityInfo Severity = "info"
	// SeverityWarning is reported on the run but does not block it.
	SeverityWarning Severity = "warning"
	// SeverityError blocks the run.
	SeverityError Severity = "error"
	// SeverityCritical blocks the run.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects the request.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Policy represents a Rego policy with metadata.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description explains what the policy checks.
	Description string `json:"description,omitempty"`

	// Rego is the policy source. It must define a "deny" set.
	Rego string `json:"rego"`

	// Severity is used for violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates whether the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Tags categorize the policy.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is a single deny result.
type Violation struct {
	// Policy is the name of the policy that produced the violation.
	Policy string `json:"policy"`

	// Message is the human-readable violation message.
	Message string `json:"message"`

	// Severity of this violation.
	Severity Severity `json:"severity"`

	// Field names the request field the violation is about, if any.
	Field string `json:"field,omitempty"`

	// Metadata holds any extra keys the policy put on the violation.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Result is the outcome of evaluating all enabled policies.
type Result struct {
	// Allowed is false when at least one blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations are the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are the non-blocking violations and evaluation problems.
	Warnings []Violation `json:"warnings,omitempty"`

	// Evaluated lists the policies that ran, in order.
	Evaluated []string `json:"evaluated"`

	// Duration of the whole evaluation.
	Duration time.Duration `json:"duration"`
}

// Input is the document exposed to policies as `input`.
type Input struct {
	Locator string       `json:"locator"`
	Request RequestInput `json:"request"`
	Context Context      `json:"context"`
}

// RequestInput mirrors the mutation request.
type RequestInput struct {
	TargetKind     string `json:"target_kind"`
	AttributeName  string `json:"attribute_name"`
	AttributeValue string `json:"attribute_value"`
}

// Context provides evaluation context.
type Context struct {
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

func (in Input) toMap() map[string]interface{} {
	return map[string]interface{}{
		"locator": in.Locator,
		"request": map[string]interface{}{
			"target_kind":     in.Request.TargetKind,
			"attribute_name":  in.Request.AttributeName,
			"attribute_value": in.Request.AttributeValue,
		},
		"context": map[string]interface{}{
			"operation": in.Context.Operation,
			"timestamp": in.Context.Timestamp.UTC().Format(time.RFC3339),
		},
	}
}
