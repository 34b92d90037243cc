// Package probe runs an ordered list of equivalent operations until one of
// them succeeds.
//
// The external resource exposes different method surfaces depending on its
// installed version. Instead of detecting the version up front, callers list
// every known way of performing an operation, most specific first, and let
// Run try them in order. Every attempt is recorded in an Outcome so the
// fallback path that fired is visible after the fact.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported marks a strategy whose capability is absent on the target.
var ErrUnsupported = errors.New("capability not supported")

// Unsupported returns an error wrapping ErrUnsupported for the named capability.
func Unsupported(capability string) error {
	return fmt.Errorf("%s: %w", capability, ErrUnsupported)
}

// Strategy is one candidate implementation of an operation.
type Strategy[T any] struct {
	// Name identifies the strategy in outcomes and logs.
	Name string

	// Run performs the operation.
	Run func(ctx context.Context) (T, error)
}

// Outcome records every attempt a single probe made.
type Outcome struct {
	// Step names the operation that was probed (e.g. "commit").
	Step string `json:"step"`

	// Attempted lists strategy names in the order they were tried.
	Attempted []string `json:"attempted"`

	// Succeeded is the winning strategy, empty when all failed.
	Succeeded string `json:"succeeded,omitempty"`

	// Errors maps each failed strategy to its failure reason.
	Errors map[string]string `json:"errors,omitempty"`
}

// OK reports whether a strategy succeeded.
func (o Outcome) OK() bool {
	return o.Succeeded != ""
}

// Fallbacks returns how many strategies failed before the winner.
func (o Outcome) Fallbacks() int {
	return len(o.Errors)
}

// Clone returns a deep copy of the outcome.
func (o Outcome) Clone() Outcome {
	c := Outcome{Step: o.Step, Succeeded: o.Succeeded}
	if o.Attempted != nil {
		c.Attempted = append([]string(nil), o.Attempted...)
	}
	if o.Errors != nil {
		c.Errors = make(map[string]string, len(o.Errors))
		for k, v := range o.Errors {
			c.Errors[k] = v
		}
	}
	return c
}

// String renders the outcome as a single status line.
func (o Outcome) String() string {
	var b strings.Builder
	b.WriteString(o.Step)
	b.WriteString(": ")
	if o.OK() {
		b.WriteString("ok via ")
		b.WriteString(o.Succeeded)
	} else {
		b.WriteString("failed")
	}
	if n := o.Fallbacks(); n > 0 {
		fmt.Fprintf(&b, " (%d fallback", n)
		if n > 1 {
			b.WriteString("s")
		}
		b.WriteString(")")
	}
	return b.String()
}

// Attempt is a single failed strategy inside an Error.
type Attempt struct {
	Strategy string
	Err      error
}

// Error is returned when every strategy of a probe failed.
type Error struct {
	Step     string
	Attempts []Attempt
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("%s: no strategies available", e.Step)
	}

	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
	}
	return fmt.Sprintf("%s: all %d strategies failed [%s]", e.Step, len(e.Attempts), strings.Join(parts, "; "))
}

// Unwrap exposes every attempt error to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// AllUnsupported reports whether every attempt failed for lack of the capability.
func (e *Error) AllUnsupported() bool {
	if len(e.Attempts) == 0 {
		return true
	}
	for _, a := range e.Attempts {
		if !errors.Is(a.Err, ErrUnsupported) {
			return false
		}
	}
	return true
}

// Observer is notified after each attempt. err is nil on success.
type Observer func(step, strategy string, err error)

type options struct {
	observers []Observer
}

// Option configures a probe run.
type Option func(*options)

// WithObserver registers a callback invoked after every attempt.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// Run tries strategies in order and returns the first successful result.
// Each strategy is attempted at most once. A panicking strategy counts as a
// failed attempt. If ctx is done before a strategy starts, the remaining
// strategies are skipped and the context error is recorded against the next
// one. When every strategy fails the returned error is an *Error.
func Run[T any](ctx context.Context, step string, strategies []Strategy[T], opts ...Option) (T, Outcome, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var zero T
	outcome := Outcome{
		Step:      step,
		Attempted: make([]string, 0, len(strategies)),
	}
	failure := &Error{Step: step}

	for _, s := range strategies {
		outcome.Attempted = append(outcome.Attempted, s.Name)

		var (
			result T
			err    error
		)
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
		} else {
			result, err = attempt(ctx, s)
		}

		for _, obs := range o.observers {
			obs(step, s.Name, err)
		}

		if err == nil {
			outcome.Succeeded = s.Name
			return result, outcome, nil
		}

		if outcome.Errors == nil {
			outcome.Errors = make(map[string]string)
		}
		outcome.Errors[s.Name] = err.Error()
		failure.Attempts = append(failure.Attempts, Attempt{Strategy: s.Name, Err: err})

		if ctx.Err() != nil {
			break
		}
	}

	return zero, outcome, failure
}

func attempt[T any](ctx context.Context, s Strategy[T]) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panicked: %v", r)
		}
	}()

	if s.Run == nil {
		return result, Unsupported(s.Name)
	}
	return s.Run(ctx)
}

// Do is Run for strategies that produce no value.
func Do(ctx context.Context, step string, strategies []Strategy[struct{}], opts ...Option) (Outcome, error) {
	_, outcome, err := Run(ctx, step, strategies, opts...)
	return outcome, err
}

// Action adapts a plain function into a value-less strategy.
func Action(name string, fn func() error) Strategy[struct{}] {
	return Strategy[struct{}]{
		Name: name,
		Run: func(context.Context) (struct{}, error) {
			if fn == nil {
				return struct{}{}, Unsupported(name)
			}
			return struct{}{}, fn()
		},
	}
}
