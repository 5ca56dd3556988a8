package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serialises work on a key. The returned release function is safe to
// call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// AddressKey is the lock key guarding approve, verify and execute for address.
func AddressKey(address common.Address) string {
	return "addr:" + strings.ToLower(address.Hex())
}

// IntentKey is the lock key guarding confirmation of a processor intent.
func IntentKey(intentID string) string {
	return "intent:" + strings.TrimSpace(intentID)
}

// LocalLocker is an in-process keyed mutex. Idle keys are dropped.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker returns an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*keyedLock)
	}
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyedLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.release(key, kl)
		})
	}, nil
}

func (l *LocalLocker) release(key string, kl *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// ErrLockNotAcquired is returned when a distributed lock stays contended past
// the configured wait.
var ErrLockNotAcquired = errors.New("settlement: lock not acquired")

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker shares per-key locks between orchestrator replicas using
// SET NX with a TTL and a token-checked release.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker builds a locker on client. ttl bounds how long a crashed
// holder can block a key; wait bounds how long Lock retries.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if wait <= 0 {
		wait = 30 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, wait: wait}
}

// Lock retries SET NX with exponential backoff until it wins, ctx is done or
// the wait budget is spent.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return nil, fmt.Errorf("%w: redis locker", ErrNotConfigured)
	}
	full := l.prefix + key
	token := uuid.NewString()
	acquire := func() (bool, error) {
		ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil {
			return false, backoff.Permanent(fmt.Errorf("acquire lock %s: %w", key, err))
		}
		if !ok {
			return false, ErrLockNotAcquired
		}
		return true, nil
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 25 * time.Millisecond
	expo.MaxInterval = time.Second
	if _, err := backoff.Retry(ctx, acquire, backoff.WithBackOff(expo), backoff.WithMaxElapsedTime(l.wait)); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{full}, token).Err()
		})
	}, nil
}
