package redis_test

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestClient(t *testing.T) *redis.Client {
	if testing.Short() {
		t.Skip("Skipping redis test in short mode")
	}
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		t.Skip("REDIS_HOST not set")
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	client, err := redis.NewClient(context.Background(), redis.Config{Addr: net.JoinHostPort(host, port)}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestLocker(t *testing.T) {
	client := getTestClient(t)
	ctx := context.Background()
	locker := redis.NewLocker(client, "fern:test:lock:")
	key := uuid.NewString()

	lock, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, key, time.Minute)
	assert.ErrorIs(t, err, redis.ErrLockNotAcquired)

	require.NoError(t, lock.Release(ctx))
	assert.ErrorIs(t, lock.Release(ctx), redis.ErrLockNotHeld)
}

func TestIntervalLimiter(t *testing.T) {
	client := getTestClient(t)
	ctx := context.Background()
	limiter := redis.NewIntervalLimiter(client, "fern:test:interval:")
	key := uuid.NewString()

	wait, err := limiter.Reserve(ctx, key, time.Second)
	require.NoError(t, err)
	assert.Zero(t, wait)

	wait, err = limiter.Reserve(ctx, key, time.Second)
	require.NoError(t, err)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Second)
}

func TestStreams(t *testing.T) {
	client := getTestClient(t)
	ctx := context.Background()
	streams := redis.NewStreams(client)
	stream := "fern:test:jobs:" + uuid.NewString()
	t.Cleanup(func() { client.Redis().Del(context.Background(), stream) })

	require.NoError(t, streams.CreateConsumerGroup(ctx, stream, "workers"))
	require.NoError(t, streams.CreateConsumerGroup(ctx, stream, "workers"))

	_, err := streams.Publish(ctx, stream, &redis.JobMessage{OrganizationID: "acme", Type: "backfill", IntegrationID: "svi_1"})
	require.NoError(t, err)

	msgs, err := streams.Consume(ctx, stream, "workers", "w1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "backfill", msgs[0].Job.Type)
	assert.Equal(t, "svi_1", msgs[0].Job.IntegrationID)

	require.NoError(t, streams.Ack(ctx, stream, "workers", msgs[0].ID))
}

func TestLockerKeepsBackfillLockAlive(t *testing.T) {
	client := getTestClient(t)
	ctx := context.Background()
	locker := redis.NewLocker(client, "fern:test:lock:")
	key := uuid.NewString()

	release, err := locker.Lock(ctx, key, 300*time.Millisecond)
	require.NoError(t, err)

	// outlive the original ttl; the keep-alive must have extended it
	time.Sleep(600 * time.Millisecond)
	_, err = locker.Acquire(ctx, key, time.Minute)
	assert.ErrorIs(t, err, redis.ErrLockNotAcquired)

	require.NoError(t, release(ctx))
	lock, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
}

func TestDeadLetterQueueRetry(t *testing.T) {
	client := getTestClient(t)
	ctx := context.Background()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	dlqStream := "fern:test:dlq:" + uuid.NewString()
	jobStream := "fern:test:jobs:" + uuid.NewString()
	t.Cleanup(func() { client.Redis().Del(context.Background(), dlqStream, jobStream) })

	dlq := redis.NewDeadLetterQueue(client, dlqStream, logger)
	streams := redis.NewStreams(client)

	id, err := dlq.Add(ctx, &redis.DLQEntry{
		OrganizationID: "acme",
		OriginalJob:    &redis.JobMessage{Type: "backfill", Attempts: 6, BackfillJobID: "j1"},
		Reason:         redis.ReasonMaxRetries,
	})
	require.NoError(t, err)

	entries, err := dlq.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, redis.ReasonMaxRetries, entries[0].Reason)
	assert.Equal(t, id, entries[0].MessageID)

	require.NoError(t, dlq.Retry(ctx, id, streams, jobStream))
	count, err := dlq.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	requeued, err := streams.Range(ctx, jobStream, "-", "+")
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Zero(t, requeued[0].Job.Attempts)
	assert.Equal(t, "j1", requeued[0].Job.BackfillJobID)

	assert.ErrorIs(t, dlq.Retry(ctx, id, streams, jobStream), redis.ErrDLQEntryNotFound)
}
