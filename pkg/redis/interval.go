package redis

import (
	"context"
	"time"
)

// IntervalLimiter spaces calls sharing a key at least interval apart across every process.
type IntervalLimiter struct {
	client    *Client
	keyPrefix string
}

func NewIntervalLimiter(client *Client, keyPrefix string) *IntervalLimiter {
	if keyPrefix == "" {
		keyPrefix = "fern:interval:"
	}
	return &IntervalLimiter{client: client, keyPrefix: keyPrefix}
}

// Reserve claims the next slot for key. It returns 0 when the caller may proceed now,
// otherwise how long to wait before trying again.
func (l *IntervalLimiter) Reserve(ctx context.Context, key string, interval time.Duration) (time.Duration, error) {
	fullKey := l.keyPrefix + key
	ok, err := l.client.rdb.SetNX(ctx, fullKey, "1", interval).Result()
	if err != nil {
		return 0, err
	}
	if ok {
		return 0, nil
	}

	ttl, err := l.client.rdb.PTTL(ctx, fullKey).Result()
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		// expired between calls or has no expiry; retry almost immediately
		return time.Millisecond, nil
	}
	return ttl, nil
}
