package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

// DefaultRedisTTL bounds how long a crashed holder can keep a handle.
const DefaultRedisTTL = 5 * time.Minute

const defaultPollInterval = 100 * time.Millisecond

// releaseScript deletes the key only if it still carries our token.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// renewScript extends the key's expiry only if it still carries our token.
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

// RedisLocker is a Locker backed by Redis SET NX PX. A held key is renewed
// every third of its TTL until released, so a slow run keeps its handle.
type RedisLocker struct {
	client       backend.UniversalClient
	prefix       string
	ttl          time.Duration
	pollInterval time.Duration
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets the expiry placed on each lock key.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithPollInterval sets how often a waiting Lock retries.
func WithPollInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// NewRedisLocker creates a RedisLocker whose keys start with prefix.
func NewRedisLocker(client backend.UniversalClient, prefix string, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client:       client,
		prefix:       prefix,
		ttl:          DefaultRedisTTL,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the Redis key used for a handle.
func (l *RedisLocker) Key(key string) string {
	return l.prefix + "lock:" + key
}

// Lock polls until key is free or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Release, error) {
	release, err := l.TryLock(ctx, key)
	if !errors.Is(err, ErrBusy) {
		return release, err
	}

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			release, err := l.TryLock(ctx, key)
			if errors.Is(err, ErrBusy) {
				continue
			}
			return release, err
		}
	}
}

// TryLock makes a single attempt to take key.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (Release, error) {
	lockKey := l.Key(key)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error acquiring lock: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go l.renew(lockKey, token, stop, renewed)

	var once sync.Once
	return func(ctx context.Context) error {
		var rerr error
		once.Do(func() {
			close(stop)
			<-renewed
			rerr = l.client.Eval(ctx, releaseScript, []string{lockKey}, token).Err()
		})
		return rerr
	}, nil
}

// renew keeps lockKey alive until stop is closed or the key is no longer ours.
func (l *RedisLocker) renew(lockKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := l.client.Eval(ctx, renewScript, []string{lockKey}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && n == 0 {
				return
			}
		}
	}
}
