package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotAcquired is returned when a lock cannot be acquired
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when trying to release a lock not held
	ErrLockNotHeld = errors.New("lock not held")
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Lock represents a distributed lock
type Lock struct {
	client *Client
	key    string
	value  string
	ttl    time.Duration
}

// Locker hands out per-key locks; backfills hold one per service integration.
type Locker struct {
	client    *Client
	keyPrefix string
}

func NewLocker(client *Client, keyPrefix string) *Locker {
	if keyPrefix == "" {
		keyPrefix = "fern:lock:"
	}
	return &Locker{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Acquire attempts to acquire a lock once
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lockKey := l.keyPrefix + key
	lockValue := uuid.New().String()

	ok, err := l.client.rdb.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, ErrLockNotAcquired
	}

	l.client.logger.WithContext(ctx).Debugf("Acquired lock: %s", key)

	return &Lock{
		client: l.client,
		key:    lockKey,
		value:  lockValue,
		ttl:    ttl,
	}, nil
}

// Release releases the lock if it is still held by this owner
func (lock *Lock) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, lock.client.rdb, []string{lock.key}, lock.value).Int64()
	if err != nil {
		return err
	}

	if result == 0 {
		return ErrLockNotHeld
	}

	lock.client.logger.WithContext(ctx).Debugf("Released lock: %s", lock.key)
	return nil
}

// Extend extends the lock's TTL
func (lock *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := extendScript.Run(ctx, lock.client.rdb, []string{lock.key}, lock.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}

	if result == 0 {
		return ErrLockNotHeld
	}

	lock.ttl = ttl
	return nil
}

// Lock acquires key and keeps it alive until the returned release is called. Backfills can
// outlast any fixed ttl, so the lock is extended every ttl/3 while held.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go lock.keepAlive(context.WithoutCancel(ctx), done)

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() { close(done) })
		return lock.Release(ctx)
	}, nil
}

func (lock *Lock) keepAlive(ctx context.Context, done <-chan struct{}) {
	interval := lock.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := lock.Extend(ctx, lock.ttl); err != nil {
				lock.client.logger.WithContext(ctx).WithError(err).Warnf("Lost lock %s", lock.key)
				return
			}
		}
	}
}
