package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkurt/erwin-addin-sub001/pkg/lock"
)

func TestParseMode(t *testing.T) {
	m, err := lock.ParseMode("reject")
	require.NoError(t, err)
	assert.Equal(t, lock.ModeReject, m)

	m, err = lock.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, lock.ModeWait, m)

	_, err = lock.ParseMode("spin")
	assert.Error(t, err)
}

func TestLocalLocker_RejectWhileHeld(t *testing.T) {
	l := lock.NewLocalLocker()
	ctx := context.Background()

	release, err := lock.Acquire(ctx, l, lock.ModeReject, "doc1")
	require.NoError(t, err)

	_, err = lock.Acquire(ctx, l, lock.ModeReject, "doc1")
	assert.ErrorIs(t, err, lock.ErrBusy)

	other, err := lock.Acquire(ctx, l, lock.ModeReject, "doc2")
	require.NoError(t, err, "different handles never contend")
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx), "second release is a no-op")

	again, err := lock.Acquire(ctx, l, lock.ModeReject, "doc1")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
	assert.Equal(t, 0, l.Len())
}

func TestLocalLocker_WaitSerializes(t *testing.T) {
	l := lock.NewLocalLocker()
	ctx := context.Background()

	release, err := l.Lock(ctx, "doc1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := lock.Acquire(ctx, l, lock.ModeWait, "doc1")
		assert.NoError(t, err)
		close(acquired)
		_ = r(ctx)
	}()

	select {
	case <-acquired:
		t.Fatal("second caller acquired a held handle")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, release(ctx))

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second caller never acquired the released handle")
	}
}

func TestLocalLocker_WaitHonorsContext(t *testing.T) {
	l := lock.NewLocalLocker()
	ctx := context.Background()

	release, err := l.Lock(ctx, "doc1")
	require.NoError(t, err)
	defer func() { _ = release(ctx) }()

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()

	_, err = l.Lock(waitCtx, "doc1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, l.Len(), "cancelled waiter must drop its reference")
}

func TestLocalLocker_MutualExclusion(t *testing.T) {
	l := lock.NewLocalLocker()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(ctx, "shared")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			_ = release(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, l.Len())
}

func newRedisLocker(t *testing.T) (*miniredis.Miniredis, *lock.RedisLocker) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, lock.NewRedisLocker(client, "test:", lock.WithTTL(5*time.Second), lock.WithPollInterval(10*time.Millisecond))
}

func TestRedisLocker_LockUnlock(t *testing.T) {
	mr, locker := newRedisLocker(t)
	ctx := context.Background()

	release, err := locker.Lock(ctx, "doc1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:doc1"))
	assert.Greater(t, mr.TTL("test:lock:doc1"), time.Duration(0))

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("test:lock:doc1"))
}

func TestRedisLocker_TryLockBusy(t *testing.T) {
	_, locker := newRedisLocker(t)
	ctx := context.Background()

	release, err := lock.Acquire(ctx, locker, lock.ModeReject, "doc1")
	require.NoError(t, err)

	_, err = lock.Acquire(ctx, locker, lock.ModeReject, "doc1")
	assert.ErrorIs(t, err, lock.ErrBusy)

	require.NoError(t, release(ctx))

	release, err = lock.Acquire(ctx, locker, lock.ModeReject, "doc1")
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestRedisLocker_WaitTimesOut(t *testing.T) {
	_, locker := newRedisLocker(t)
	ctx := context.Background()

	release, err := locker.Lock(ctx, "doc1")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	_, err = locker.Lock(waitCtx, "doc1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, release(ctx))

	release, err = locker.Lock(ctx, "doc1")
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestRedisLocker_ReleaseKeepsForeignOwner(t *testing.T) {
	mr, locker := newRedisLocker(t)
	ctx := context.Background()

	release, err := locker.Lock(ctx, "doc1")
	require.NoError(t, err)

	// Simulate expiry followed by another process taking the handle.
	require.NoError(t, mr.Set("test:lock:doc1", "someone-else"))

	require.NoError(t, release(ctx))
	got, err := mr.Get("test:lock:doc1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLocker_RenewsWhileHeld(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ttl := 300 * time.Millisecond
	locker := lock.NewRedisLocker(client, "test:", lock.WithTTL(ttl))
	ctx := context.Background()

	release, err := locker.Lock(ctx, "doc1")
	require.NoError(t, err)

	mr.FastForward(250 * time.Millisecond)
	require.True(t, mr.Exists("test:lock:doc1"))
	assert.Eventually(t, func() bool { return mr.TTL("test:lock:doc1") > 100*time.Millisecond },
		time.Second, 10*time.Millisecond)

	// Well past the original expiry, the key is still held.
	mr.FastForward(250 * time.Millisecond)
	assert.Eventually(t, func() bool { return mr.TTL("test:lock:doc1") > 100*time.Millisecond },
		time.Second, 10*time.Millisecond)
	_, err = lock.Acquire(ctx, locker, lock.ModeReject, "doc1")
	assert.ErrorIs(t, err, lock.ErrBusy)

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("test:lock:doc1"))
	time.Sleep(2 * ttl / 3)
	assert.False(t, mr.Exists("test:lock:doc1"))
}
