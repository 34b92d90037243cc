package lock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// LocalLocker is an in-process Locker keyed by handle.
// Entries are reference counted and dropped once nobody holds or waits on them.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*localEntry)}
}

// Lock blocks until key is free or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, key string) (Release, error) {
	e := l.ref(key)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.unref(key, e)
		return nil, err
	}
	return l.release(key, e), nil
}

// TryLock takes key if it is free and returns ErrBusy otherwise.
func (l *LocalLocker) TryLock(_ context.Context, key string) (Release, error) {
	e := l.ref(key)
	if !e.sem.TryAcquire(1) {
		l.unref(key, e)
		return nil, ErrBusy
	}
	return l.release(key, e), nil
}

// Len returns the number of keys currently held or waited on.
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *LocalLocker) ref(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{sem: semaphore.NewWeighted(1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *LocalLocker) unref(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *LocalLocker) release(key string, e *localEntry) Release {
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			e.sem.Release(1)
			l.unref(key, e)
		})
		return nil
	}
}
