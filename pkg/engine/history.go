package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kkurt/erwin-addin-sub001/pkg/stores"
)

// RunStore is the part of the history store a StoreRecorder writes to.
type RunStore interface {
	RecordRun(ctx context.Context, rec *stores.RunRecord) error
}

// StoreRecorder writes every finished report to the run history.
type StoreRecorder struct {
	store RunStore
	actor string
}

// NewStoreRecorder creates a recorder that attributes runs to actor.
func NewStoreRecorder(store RunStore, actor string) *StoreRecorder {
	if actor == "" {
		actor = "system"
	}
	return &StoreRecorder{store: store, actor: actor}
}

// RecordReport implements ReportRecorder.
func (r *StoreRecorder) RecordReport(ctx context.Context, report *OperationReport) error {
	rec, err := RunRecordFromReport(report, r.actor)
	if err != nil {
		return err
	}
	if err := r.store.RecordRun(ctx, rec); err != nil {
		return fmt.Errorf("failed to record run %s: %w", report.RunID, err)
	}
	return nil
}

type runMetadata struct {
	TransactionToken string   `json:"transaction_token,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
	State            RunState `json:"state"`
}

// RunRecordFromReport converts a report into history records: the run, one
// step outcome per probed step, one event per trail line, warning and final
// error, and an audit entry.
func RunRecordFromReport(report *OperationReport, actor string) (*stores.RunRecord, error) {
	meta, err := json.Marshal(runMetadata{
		TransactionToken: report.TransactionToken,
		Warnings:         report.Warnings,
		State:            report.State,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode run metadata: %w", err)
	}

	run := &stores.Run{
		ID:             report.RunID,
		Locator:        report.Locator,
		Provider:       report.Provider,
		TargetKind:     report.Request.TargetKind,
		AttributeName:  report.Request.AttributeName,
		AttributeValue: report.Request.AttributeValue,
		Status:         stores.RunStatus(report.Status()),
		Created:        report.Created,
		NameApplied:    report.NameApplied,
		Committed:      report.Committed,
		RolledBack:     report.RolledBack,
		Persisted:      report.Persisted,
		SessionClosed:  report.SessionClosed,
		Summary:        report.Summary(),
		StartedAt:      report.StartedAt,
		CompletedAt:    report.CompletedAt,
		DurationMS:     report.Duration.Milliseconds(),
		Metadata:       string(meta),
		CreatedAt:      report.CompletedAt,
	}
	if report.ObjectID != "" {
		id := report.ObjectID
		run.ObjectID = &id
	}
	if report.FinalError != nil {
		msg := report.FinalError.Error()
		run.Error = &msg
		if kind, ok := KindOf(report.FinalError); ok {
			k := string(kind)
			run.ErrorKind = &k
		}
	}

	rec := &stores.RunRecord{Run: run}

	for i, o := range report.StepOutcomes {
		attempted, err := json.Marshal(o.Attempted)
		if err != nil {
			return nil, fmt.Errorf("failed to encode attempted strategies: %w", err)
		}
		step := &stores.StepOutcome{
			Seq:       i,
			Step:      o.Step,
			Attempted: string(attempted),
		}
		if o.Succeeded != "" {
			winner := o.Succeeded
			step.Succeeded = &winner
		}
		if len(o.Errors) > 0 {
			errs, err := json.Marshal(o.Errors)
			if err != nil {
				return nil, fmt.Errorf("failed to encode strategy errors: %w", err)
			}
			s := string(errs)
			step.Errors = &s
		}
		rec.Steps = append(rec.Steps, step)
	}

	runID := report.RunID
	at := report.CompletedAt
	event := func(level stores.EventLevel, msg string) {
		rec.Events = append(rec.Events, &stores.Event{RunID: &runID, Level: level, Message: msg, Timestamp: at})
	}
	for _, line := range report.Trail {
		event(stores.EventLevelInfo, line)
	}
	for _, w := range report.Warnings {
		event(stores.EventLevelWarning, w)
	}
	if report.FinalError != nil {
		event(stores.EventLevelError, report.FinalError.Error())
	}

	details, err := json.Marshal(map[string]interface{}{
		"locator": report.Locator,
		"request": report.Request.String(),
		"status":  report.Status(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit details: %w", err)
	}
	d := string(details)
	rec.Audit = &stores.AuditEntry{
		Action:    "run.recorded",
		Actor:     actor,
		TargetID:  &runID,
		Details:   &d,
		Timestamp: at,
	}

	return rec, nil
}
