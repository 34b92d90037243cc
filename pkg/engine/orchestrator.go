package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kkurt/erwin-addin-sub001/pkg/lock"
	"github.com/kkurt/erwin-addin-sub001/pkg/telemetry"
)

// DefaultCleanupGrace is how long Run waits, after the deadline, for
// rollback and close to finish before returning.
const DefaultCleanupGrace = 5 * time.Second

// PolicyVerdict is the result of checking a request against policy.
type PolicyVerdict struct {
	Violations []string
	Warnings   []string
}

// Allowed reports whether the request may proceed.
func (v PolicyVerdict) Allowed() bool {
	return len(v.Violations) == 0
}

// RequestPolicy checks a request before the resource is touched.
type RequestPolicy interface {
	Evaluate(ctx context.Context, locator string, req MutationRequest) (PolicyVerdict, error)
}

// ReportRecorder stores finished reports.
type ReportRecorder interface {
	RecordReport(ctx context.Context, report *OperationReport) error
}

// Options tunes an Orchestrator.
type Options struct {
	// TransactionName names the transaction. Empty means "Create <kind>".
	TransactionName string

	// LocatorScheme qualifies raw-path locators for the save-to-locator strategy.
	LocatorScheme string

	// LockMode decides whether a second run on a busy handle waits or is rejected.
	LockMode lock.Mode

	// Timeout bounds each run. Zero means only the caller's context applies.
	Timeout time.Duration

	// CleanupGrace bounds the wait for rollback and close after the deadline.
	CleanupGrace time.Duration
}

// DefaultOptions returns the default orchestrator options.
func DefaultOptions() Options {
	return Options{
		LockMode:     lock.ModeWait,
		CleanupGrace: DefaultCleanupGrace,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if _, err := lock.ParseMode(string(o.LockMode)); err != nil {
		return err
	}
	if o.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", o.Timeout)
	}
	if o.CleanupGrace < 0 {
		return fmt.Errorf("cleanup grace must not be negative, got %s", o.CleanupGrace)
	}
	return nil
}

// Orchestrator runs one mutation end to end: open a session, begin a
// transaction, apply the change, commit or roll back, close and save.
// It is safe for concurrent use; runs on the same handle are serialized.
type Orchestrator struct {
	provider    Provider
	locker      lock.Locker
	policy      RequestPolicy
	recorder    ReportRecorder
	tel         *telemetry.Telemetry
	opts        Options
	coordinator *TransactionCoordinator
	applier     *MutationApplier
	committer   *PersistenceCommitter
	logger      *telemetry.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLocker replaces the default in-process locker.
func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithPolicy checks every request against p before running it.
func WithPolicy(p RequestPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithRecorder stores every finished report through r.
func WithRecorder(r ReportRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithTelemetry sets the logging, tracing, metrics and events sink.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *Orchestrator) { o.tel = t }
}

// WithOptions replaces all options.
func WithOptions(opts Options) Option {
	return func(o *Orchestrator) { o.opts = opts }
}

// WithLockMode sets the lock mode.
func WithLockMode(m lock.Mode) Option {
	return func(o *Orchestrator) { o.opts.LockMode = m }
}

// WithTimeout bounds each run.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.opts.Timeout = d }
}

// WithTransactionName gives every transaction the same name.
func WithTransactionName(name string) Option {
	return func(o *Orchestrator) { o.opts.TransactionName = name }
}

// WithLocatorScheme qualifies raw-path locators with scheme when saving.
func WithLocatorScheme(scheme string) Option {
	return func(o *Orchestrator) { o.opts.LocatorScheme = scheme }
}

// WithCleanupGrace sets how long to wait for cleanup after the deadline.
func WithCleanupGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.opts.CleanupGrace = d }
}

// NewOrchestrator creates an orchestrator for provider.
func NewOrchestrator(provider Provider, opts ...Option) (*Orchestrator, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}

	o := &Orchestrator{
		provider: provider,
		opts:     DefaultOptions(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if err := o.opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator options: %w", err)
	}
	if o.opts.LockMode == "" {
		o.opts.LockMode = lock.ModeWait
	}
	if o.locker == nil {
		o.locker = lock.NewLocalLocker()
	}
	if o.tel == nil {
		o.tel = telemetry.Noop()
	}

	o.logger = o.tel.Logger.NewComponentLogger("orchestrator").WithProvider(provider.Name(), "")
	o.coordinator = NewTransactionCoordinator(o.logger)
	o.applier = NewMutationApplier(o.logger)
	o.committer = NewPersistenceCommitter(o.opts.LocatorScheme, o.logger)

	return o, nil
}

// Options returns the effective options.
func (o *Orchestrator) Options() Options {
	return o.opts
}

// run carries the per-invocation state.
type run struct {
	id     string
	handle ResourceHandle
	req    MutationRequest
	rb     *reportBuilder
	logger *telemetry.Logger
}

// Run executes req against the document at locator and always returns a
// report. The report is never shared with other runs.
//
// When the deadline passes, the run rolls back instead of committing, closes
// the session and skips saving. If a provider call is still blocked after
// the cleanup grace period, Run returns with a Timeout error and
// SessionClosed false; the session is closed and the handle released once
// that call returns.
func (o *Orchestrator) Run(ctx context.Context, locator string, req MutationRequest) *OperationReport {
	r := &run{
		id:  uuid.NewString(),
		req: req,
	}
	r.rb = newReportBuilder(r.id, locator, o.provider.Name(), req)

	ctx = o.logger.WithContext(o.tel.WithContext(ctx))
	ctx = telemetry.WithRunContext(ctx, r.id, locator, o.provider.Name(), req.String())
	r.logger = telemetry.FromContext(ctx)

	report := o.run(ctx, r, locator)

	status := report.Status()
	telemetry.EndRunContext(ctx, r.id, locator, o.provider.Name(), string(status), report.Duration, report.FinalError)
	for _, err := range report.Errors {
		kind, _ := KindOf(err)
		o.tel.Metrics.RecordError(string(kind), false)
	}
	if report.FinalError != nil {
		kind, _ := KindOf(report.FinalError)
		o.tel.Metrics.RecordError(string(kind), true)
	}

	if o.recorder != nil {
		if err := o.recorder.RecordReport(context.WithoutCancel(ctx), report); err != nil {
			r.logger.Zerolog().Warn().Err(err).Msg("Failed to record run report")
		}
	}

	ev := r.logger.Zerolog().Info()
	switch status {
	case RunStatusPartial:
		ev = r.logger.Zerolog().Warn()
	case RunStatusFailed:
		ev = r.logger.Zerolog().Error().Err(report.FinalError)
	}
	ev.Str("status", string(status)).Dur("duration", report.Duration).Msg(report.Summary())

	return report
}

func (o *Orchestrator) run(ctx context.Context, r *run, locator string) *OperationReport {
	if err := r.req.Validate(); err != nil {
		return o.reject(r, err)
	}

	handle, err := ParseHandle(locator)
	if err != nil {
		return o.reject(r, err)
	}
	r.handle = handle

	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	if o.policy != nil {
		verdict, err := o.policy.Evaluate(ctx, handle.Locator, r.req)
		if err != nil && ctx.Err() != nil {
			return o.reject(r, contextError(ctx, "while evaluating policy").WithLocator(handle.Locator).WithStep("policy"))
		}
		if err != nil {
			return o.reject(r, NewValidationError("policy evaluation failed", err).WithLocator(handle.Locator))
		}
		for _, w := range verdict.Warnings {
			r.rb.warn("policy: " + w)
		}
		if !verdict.Allowed() {
			return o.reject(r, NewValidationError(strings.Join(verdict.Violations, "; "), nil).
				WithCode(ErrCodePolicyViolation).WithLocator(handle.Locator).WithStep("policy").
				WithDetail("violations", verdict.Violations))
		}
	}

	release, err := o.acquireLock(ctx, r)
	if err != nil {
		return o.reject(r, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Zerolog().Error().Err(NewCleanupError("failed to release resource lock", err)).Msg("Cleanup failed")
			}
		}()
		o.execute(ctx, r)
	}()

	select {
	case <-done:
		return r.rb.snapshot()
	case <-ctx.Done():
	}

	grace := time.NewTimer(o.opts.CleanupGrace)
	defer grace.Stop()

	select {
	case <-done:
		return r.rb.snapshot()
	case <-grace.C:
	}

	r.rb.fail(contextError(ctx, "while a provider call was in progress").WithLocator(handle.Locator))
	r.rb.trail("gave up waiting for the provider; the session will be closed when its call returns")
	snapshot := r.rb.snapshot()

	go func() {
		<-done
		final := r.rb.snapshot()
		r.logger.Zerolog().Warn().
			Bool("committed", final.Committed).
			Bool("rolled_back", final.RolledBack).
			Bool("session_closed", final.SessionClosed).
			Msg("Abandoned run finished")
	}()

	return snapshot
}

// reject ends a run that never touched the resource.
func (o *Orchestrator) reject(r *run, err error) *OperationReport {
	r.rb.fail(err)
	r.rb.update(func(rep *OperationReport) {
		rep.SessionClosed = true
		rep.State = RunStateDone
	})
	r.rb.trail("rejected: %v", err)
	return r.rb.snapshot()
}

func (o *Orchestrator) acquireLock(ctx context.Context, r *run) (lock.Release, error) {
	mode := string(o.opts.LockMode)
	timer := telemetry.NewTimer()

	release, err := lock.Acquire(ctx, o.locker, o.opts.LockMode, r.handle.Key())
	o.tel.Metrics.RecordLockWait(mode, timer.Duration())

	switch {
	case err == nil:
		r.rb.trail("resource lock acquired")
		return release, nil
	case errors.Is(err, lock.ErrBusy):
		o.tel.Metrics.RecordLockBusy(mode)
		_ = o.tel.Events.PublishLockBusy(r.id, r.handle.Locator)
		return nil, NewResourceBusyError("resource is in use by another operation", err).WithLocator(r.handle.Locator)
	case ctx.Err() != nil:
		return nil, contextError(ctx, "while waiting for the resource lock").WithLocator(r.handle.Locator)
	default:
		return nil, NewSessionAcquisitionError("failed to acquire resource lock", err).WithLocator(r.handle.Locator)
	}
}

// execute runs the steps while holding the handle's lock.
func (o *Orchestrator) execute(ctx context.Context, r *run) {
	rb := r.rb
	defer rb.setState(RunStateDone)
	defer func() {
		if p := recover(); p != nil {
			err := NewError(KindInternal, "run panicked", fmt.Errorf("%v", p)).WithCode(ErrCodeInternal)
			r.logger.Zerolog().Error().Err(err).Msg("Recovered from panic")
			rb.fail(err)
		}
	}()

	sess := NewResourceSession(o.provider, r.logger)

	rb.setState(RunStateSessionOpening)
	sc := telemetry.StartStep(ctx, r.id, "acquire")
	err := sess.Acquire(sc.Ctx, r.handle)
	sc.Finish("open-session", err, true)
	if err != nil {
		rb.fail(err)
		rb.update(func(rep *OperationReport) { rep.SessionClosed = true })
		rb.trail("session could not be opened: %v", err)
		return
	}
	rb.trail("session opened on %s", r.handle.Locator)
	doc := sess.Document()

	closed := false
	closeSession := func() {
		if closed {
			return
		}
		closed = true
		rb.setState(RunStateClosing)
		if err := sess.Close(); err != nil {
			r.logger.Zerolog().Error().Err(err).Msg("Cleanup failed")
			rb.absorb(err)
			rb.trail("session close failed: %v", err)
			return
		}
		rb.update(func(rep *OperationReport) { rep.SessionClosed = true })
		rb.trail("session closed")
	}
	defer closeSession()

	persist := o.transact(ctx, r, sess)
	closeSession()

	if !persist || rb.failed() {
		return
	}
	if ctx.Err() != nil {
		rb.fail(contextError(ctx, "before saving").WithLocator(r.handle.Locator).WithStep(StepPersist))
		rb.trail("save skipped: deadline reached")
		return
	}

	rb.setState(RunStatePersisting)
	sc = telemetry.StartStep(ctx, r.id, StepPersist)
	outcome, err := o.committer.Save(sc.Ctx, doc, r.handle)
	finishStep(sc, outcome, err, false)
	rb.outcome(outcome)
	if err != nil {
		rb.absorb(err)
		rb.trail("document NOT saved: %v", err)
		return
	}
	rb.update(func(rep *OperationReport) { rep.Persisted = true })
	rb.trail("document saved via %s", outcome.Succeeded)
}

// transact runs begin, mutate and commit or rollback. It reports whether
// the document should be saved.
func (o *Orchestrator) transact(ctx context.Context, r *run, sess *ResourceSession) bool {
	rb := r.rb
	name := o.transactionName(r.req)

	rb.setState(RunStateTransactionOpen)
	sc := telemetry.StartStep(ctx, r.id, StepBegin)
	token, outcome, err := o.coordinator.Begin(sc.Ctx, sess, name)
	finishStep(sc, outcome, err, true)
	rb.outcome(outcome)
	if err != nil {
		rb.fail(err)
		if ctx.Err() != nil {
			rb.fail(contextError(ctx, "while beginning the transaction").WithLocator(r.handle.Locator))
		}
		rb.trail("transaction could not begin: %v", err)
		return false
	}
	rb.update(func(rep *OperationReport) { rep.TransactionToken = token })
	rb.trail("transaction %q begun via %s", name, outcome.Succeeded)

	if ctx.Err() != nil {
		rb.fail(contextError(ctx, "before mutating").WithLocator(r.handle.Locator).WithStep(StepCreate))
		o.rollback(ctx, r, sess, token)
		return false
	}

	rb.setState(RunStateMutating)
	sc = telemetry.StartStep(ctx, r.id, StepCreate)
	res, err := o.applier.Apply(sc.Ctx, sess, r.req)
	finishStep(sc, res.CreateOutcome, err, true)
	rb.outcome(res.CreateOutcome)
	if err != nil {
		rb.fail(err)
		rb.trail("%s could not be created: %v", r.req.TargetKind, err)
		o.rollback(ctx, r, sess, token)
		return false
	}

	sc = telemetry.StartStep(ctx, r.id, StepAttribute)
	finishStep(sc, res.AttributeOutcome, res.AttributeErr, false)
	rb.outcome(res.AttributeOutcome)
	rb.update(func(rep *OperationReport) {
		rep.Created = true
		rep.ObjectID = res.Object.ID()
		rep.NameApplied = res.NameApplied
	})
	if res.AttributeErr != nil {
		rb.absorb(res.AttributeErr)
		rb.trail("%s created but %s not applied, it may be unnamed", r.req.TargetKind, r.req.AttributeName)
	} else {
		rb.trail("%s created, %s set to %q via %s", r.req.TargetKind, r.req.AttributeName, r.req.AttributeValue, res.AttributeOutcome.Succeeded)
	}

	if ctx.Err() != nil {
		rb.fail(contextError(ctx, "before committing").WithLocator(r.handle.Locator).WithStep(StepCommit))
		o.rollback(ctx, r, sess, token)
		return false
	}

	rb.setState(RunStateCommitting)
	sc = telemetry.StartStep(ctx, r.id, StepCommit)
	outcome, err = o.coordinator.Commit(sc.Ctx, sess, token)
	finishStep(sc, outcome, err, false)
	rb.outcome(outcome)
	if err != nil {
		rb.absorb(err)
		if ctx.Err() != nil && sess.State() == SessionTransactionActive {
			rb.fail(contextError(ctx, "while committing").WithLocator(r.handle.Locator).WithStep(StepCommit))
			rb.trail("commit interrupted by the deadline: %v", err)
			o.rollback(ctx, r, sess, token)
			return false
		}
		rb.trail("commit failed: %v", err)
		return true
	}
	rb.update(func(rep *OperationReport) { rep.Committed = true })
	rb.trail("transaction committed via %s", outcome.Succeeded)
	return true
}

// rollback undoes the transaction. A failure leaves the resource in an
// indeterminate state, which is surfaced in the final error.
func (o *Orchestrator) rollback(ctx context.Context, r *run, sess *ResourceSession, token string) {
	rb := r.rb
	rb.setState(RunStateRollingBack)

	sc := telemetry.StartStep(context.WithoutCancel(ctx), r.id, StepRollback)
	outcome, err := o.coordinator.Rollback(sc.Ctx, sess, token)
	finishStep(sc, outcome, err, false)
	rb.outcome(outcome)
	if err != nil {
		var me *MutationError
		if errors.As(err, &me) {
			me.WithCode(ErrCodeIndeterminate)
		}
		rb.fail(err)
		rb.trail("rollback failed, transaction state is indeterminate: %v", err)
		return
	}
	rb.update(func(rep *OperationReport) { rep.RolledBack = true })
	rb.trail("transaction rolled back via %s", outcome.Succeeded)
}

func (o *Orchestrator) transactionName(req MutationRequest) string {
	if o.opts.TransactionName != "" {
		return o.opts.TransactionName
	}
	return "Create " + req.TargetKind
}

// finishStep reports each attempt of outcome to the step's telemetry.
func finishStep(sc *telemetry.StepContext, outcome StrategyOutcome, err error, fatal bool) {
	for i, name := range outcome.Attempted {
		var attemptErr error
		if msg, failed := outcome.Errors[name]; failed {
			attemptErr = errors.New(msg)
		}
		sc.Attempt(name, attemptErr, i < len(outcome.Attempted)-1)
	}
	sc.Finish(outcome.Succeeded, err, fatal)
}

// contextError converts a done context into a Timeout error.
func contextError(ctx context.Context, during string) *MutationError {
	err := ctx.Err()
	if errors.Is(err, context.Canceled) {
		return NewTimeoutError("run cancelled "+during, err).WithCode(ErrCodeCancelled)
	}
	return NewTimeoutError("deadline exceeded "+during, err)
}
