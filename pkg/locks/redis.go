package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisTTL  = 30 * time.Second
	defaultRedisWait = 15 * time.Second
	retryStep        = 25 * time.Millisecond
	maxRetryStep     = 250 * time.Millisecond
)

// redisStore defines the operations used by the redis locks.
type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisMutex is a single named lock implemented with SETNX + TTL.
type RedisMutex struct {
	client redisStore
	key    string
	ttl    time.Duration
	owner  string
}

func NewRedisMutex(client redisStore, key string, ttl time.Duration) (*RedisMutex, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &RedisMutex{client: client, key: key, ttl: ttl}, nil
}

// TryAcquire attempts to own the lock once without waiting.
func (m *RedisMutex) TryAcquire(ctx context.Context) (bool, error) {
	owner := uuid.NewString()
	ok, err := m.client.SetNX(ctx, m.key, owner, m.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	if ok {
		m.owner = owner
	}
	return ok, nil
}

// Release frees the lock only if the owner value still matches, so an
// expired lock taken over by another instance is left alone.
func (m *RedisMutex) Release(ctx context.Context) error {
	if m.owner == "" {
		return nil
	}
	value, err := m.client.Get(ctx, m.key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			m.owner = ""
			return nil
		}
		return fmt.Errorf("read lock owner: %w", err)
	}
	if value != m.owner {
		m.owner = ""
		return nil
	}
	if err := m.client.Del(ctx, m.key); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	m.owner = ""
	return nil
}

// RedisLocker is a Locker shared by every api instance. Waiters poll with a
// capped backoff until the wait budget elapses.
type RedisLocker struct {
	client    redisStore
	keyFunc   func(string) string
	ttl       time.Duration
	wait      time.Duration
	onRelease func(error)
}

type RedisLockerParams struct {
	Client redisStore
	// KeyFunc maps a logical key to the redis key, e.g. the client's LockKey.
	KeyFunc   func(string) string
	TTL       time.Duration
	Wait      time.Duration
	OnRelease func(error)
}

func NewRedisLocker(params RedisLockerParams) (*RedisLocker, error) {
	if params.Client == nil {
		return nil, errors.New("redis client required for locker")
	}
	keyFunc := params.KeyFunc
	if keyFunc == nil {
		keyFunc = func(key string) string { return "lock:" + key }
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	wait := params.Wait
	if wait <= 0 {
		wait = defaultRedisWait
	}
	return &RedisLocker{
		client:    params.Client,
		keyFunc:   keyFunc,
		ttl:       ttl,
		wait:      wait,
		onRelease: params.OnRelease,
	}, nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	mutex, err := NewRedisMutex(l.client, l.keyFunc(key), l.ttl)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	step := retryStep
	for {
		ok, err := mutex.TryAcquire(waitCtx)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		timer := time.NewTimer(step)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			return nil, ErrLockTimeout
		case <-timer.C:
		}
		if step *= 2; step > maxRetryStep {
			step = maxRetryStep
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// detached from ctx: a canceled request must still free the key
		relCtx, relCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer relCancel()
		err := mutex.Release(relCtx)
		if l.onRelease != nil {
			l.onRelease(err)
		}
	}, nil
}
