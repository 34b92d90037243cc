// Package lock serializes operations against the same resource handle.
//
// Two backends are provided. LocalLocker guards handles within one process
// and RedisLocker guards them across processes sharing a Redis instance.
// Callers choose between waiting for the holder to finish and failing fast
// with ErrBusy through Acquire's Mode argument.
package lock

import (
	"context"
	"errors"
	"fmt"
)

// ErrBusy is returned when a handle is held and the caller asked not to wait.
var ErrBusy = errors.New("resource busy")

// Mode decides what a second caller on a held handle does.
type Mode string

const (
	// ModeWait blocks until the handle is released or the context ends.
	ModeWait Mode = "wait"

	// ModeReject fails immediately with ErrBusy.
	ModeReject Mode = "reject"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeWait, ModeReject:
		return Mode(s), nil
	case "":
		return ModeWait, nil
	default:
		return "", fmt.Errorf("invalid lock mode %q: expected %q or %q", s, ModeWait, ModeReject)
	}
}

// Release gives a held handle back. Calling it more than once is a no-op.
type Release func(ctx context.Context) error

// Locker grants exclusive access to a key.
type Locker interface {
	// Lock blocks until key is free or ctx is done.
	Lock(ctx context.Context, key string) (Release, error)

	// TryLock takes key if it is free and returns ErrBusy otherwise.
	TryLock(ctx context.Context, key string) (Release, error)
}

// Acquire takes key on l using the given mode.
func Acquire(ctx context.Context, l Locker, mode Mode, key string) (Release, error) {
	switch mode {
	case ModeReject:
		return l.TryLock(ctx, key)
	case ModeWait, "":
		return l.Lock(ctx, key)
	default:
		return nil, fmt.Errorf("invalid lock mode %q", mode)
	}
}
