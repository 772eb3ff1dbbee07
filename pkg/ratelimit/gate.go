// Package ratelimit paces calls against source APIs.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Gate blocks until the caller may make the next call for key.
type Gate interface {
	Wait(ctx context.Context, key string) error
}

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Unlimited never waits.
type Unlimited struct{}

func (Unlimited) Wait(ctx context.Context, _ string) error {
	return ctx.Err()
}

// MinIntervalGate spaces calls for each key at least Interval apart within this process.
// Only the calling goroutine waits; other keys are not held up.
type MinIntervalGate struct {
	interval time.Duration
	now      func() time.Time
	sleep    Sleeper

	mu   sync.Mutex
	next map[string]time.Time
}

func NewMinIntervalGate(interval time.Duration) *MinIntervalGate {
	return &MinIntervalGate{
		interval: interval,
		now:      time.Now,
		sleep:    Sleep,
		next:     make(map[string]time.Time),
	}
}

// WithClock replaces the clock and sleeper, for tests.
func (g *MinIntervalGate) WithClock(now func() time.Time, sleep Sleeper) *MinIntervalGate {
	g.now = now
	g.sleep = sleep
	return g
}

func (g *MinIntervalGate) Wait(ctx context.Context, key string) error {
	g.mu.Lock()
	now := g.now()
	slot := g.next[key]
	if slot.Before(now) {
		slot = now
	}
	g.next[key] = slot.Add(g.interval)
	g.mu.Unlock()

	wait := slot.Sub(now)
	if wait <= 0 {
		return ctx.Err()
	}
	metrics.RecordRateLimitWait(key, wait)
	return g.sleep(ctx, wait)
}

// RedisGate spaces calls for each key at least Interval apart across every worker.
type RedisGate struct {
	limiter  *redis.IntervalLimiter
	interval time.Duration
	sleep    Sleeper
}

func NewRedisGate(limiter *redis.IntervalLimiter, interval time.Duration) *RedisGate {
	return &RedisGate{limiter: limiter, interval: interval, sleep: Sleep}
}

func (g *RedisGate) Wait(ctx context.Context, key string) error {
	ctx, span := tracing.StartSpan(ctx, "RedisGate.Wait")
	defer span.End()

	var waited time.Duration
	for {
		wait, err := g.limiter.Reserve(ctx, key, g.interval)
		if err != nil {
			tracing.RecordError(span, err)
			return err
		}
		if wait == 0 {
			if waited > 0 {
				metrics.RecordRateLimitWait(key, waited)
			}
			return nil
		}
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
		waited += wait
	}
}
