package queue

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/backfill"
	"github.com/Ramsey-B/fern/pkg/faults"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/replicator"
)

type fakeStream struct {
	mu       sync.Mutex
	acked    []string
	messages map[string]redis.StreamMessage
	pending  []goredis.XPendingExt
	claimed  []string
}

func (f *fakeStream) CreateConsumerGroup(context.Context, string, string) error { return nil }

func (f *fakeStream) Consume(ctx context.Context, _, _, _ string, _ int64, block time.Duration) ([]redis.StreamMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(block):
		return nil, nil
	}
}

func (f *fakeStream) Ack(_ context.Context, _, _ string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return nil
}

func (f *fakeStream) Pending(context.Context, string, string, int64) ([]goredis.XPendingExt, error) {
	return f.pending, nil
}

func (f *fakeStream) Claim(_ context.Context, _, _, _ string, _ time.Duration, ids ...string) ([]redis.StreamMessage, error) {
	f.claimed = append(f.claimed, ids...)
	var out []redis.StreamMessage
	for _, id := range ids {
		out = append(out, f.messages[id])
	}
	return out, nil
}

func (f *fakeStream) Range(_ context.Context, _, start, _ string) ([]redis.StreamMessage, error) {
	if msg, ok := f.messages[start]; ok {
		return []redis.StreamMessage{msg}, nil
	}
	return nil, nil
}

type fakeDLQ struct {
	entries []*redis.DLQEntry
}

func (f *fakeDLQ) Add(_ context.Context, entry *redis.DLQEntry) (string, error) {
	f.entries = append(f.entries, entry)
	return fmt.Sprintf("dlq-%d", len(f.entries)), nil
}

type fakeRunner struct {
	err  error
	runs []uuid.UUID
}

func (f *fakeRunner) RunBackfill(_ context.Context, jobID uuid.UUID) (*backfill.Summary, error) {
	f.runs = append(f.runs, jobID)
	if f.err != nil {
		return nil, f.err
	}
	return &backfill.Summary{Pages: 1, Items: 2}, nil
}

func newTestProcessor(runner BackfillRunner) (*Processor, *fakeStream, *fakeDLQ) {
	stream := &fakeStream{messages: map[string]redis.StreamMessage{}}
	dlq := &fakeDLQ{}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	cfg := DefaultProcessorConfig()
	cfg.BlockTimeout = 10 * time.Millisecond
	return NewProcessor(stream, dlq, runner, cfg, logger), stream, dlq
}

func backfillMessage(id string, jobID uuid.UUID) redis.StreamMessage {
	job := &models.BackfillJob{ID: jobID, OrganizationID: uuid.New(), ServiceIntegrationID: uuid.New()}
	return redis.StreamMessage{ID: id, Stream: "fern:jobs", Job: BackfillMessage(context.Background(), job)}
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantAcked  bool
		wantReason redis.DeadLetterReason
	}{
		{name: "success acks", wantAcked: true},
		{name: "retryable transport stays pending", err: faults.RetryableTransport(503, nil, "GET /items")},
		{name: "busy integration stays pending", err: fmt.Errorf("%w: held", replicator.ErrBackfillInProgress)},
		{name: "missing job is dropped", err: httperror.NewHTTPError(http.StatusNotFound, "gone"), wantAcked: true},
		{name: "precondition is dead-lettered", err: faults.InvalidPostcondition("no credentials"), wantAcked: true, wantReason: redis.ReasonPrecondition},
		{name: "fatal transport is dead-lettered", err: faults.FatalTransport(401, nil, "GET /items"), wantAcked: true, wantReason: redis.ReasonFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{err: tt.err}
			p, stream, dlq := newTestProcessor(runner)
			jobID := uuid.New()

			p.handle(context.Background(), backfillMessage("1-0", jobID))

			require.Equal(t, []uuid.UUID{jobID}, runner.runs)
			if tt.wantAcked {
				assert.Equal(t, []string{"1-0"}, stream.acked)
			} else {
				assert.Empty(t, stream.acked)
			}
			if tt.wantReason != "" {
				require.Len(t, dlq.entries, 1)
				assert.Equal(t, tt.wantReason, dlq.entries[0].Reason)
				assert.Equal(t, JobTypeBackfill, dlq.entries[0].OriginalJob.Type)
			} else {
				assert.Empty(t, dlq.entries)
			}
		})
	}
}

func TestHandleUnknownJobType(t *testing.T) {
	runner := &fakeRunner{}
	p, stream, dlq := newTestProcessor(runner)

	p.handle(context.Background(), redis.StreamMessage{ID: "2-0", Job: &redis.JobMessage{ID: "j", Type: "mystery"}})

	assert.Empty(t, runner.runs)
	assert.Equal(t, []string{"2-0"}, stream.acked)
	require.Len(t, dlq.entries, 1)
	assert.Equal(t, redis.ReasonUnknownJob, dlq.entries[0].Reason)
}

func TestHandleInvalidPayload(t *testing.T) {
	runner := &fakeRunner{}
	p, _, dlq := newTestProcessor(runner)

	p.handle(context.Background(), redis.StreamMessage{ID: "3-0", Job: &redis.JobMessage{
		ID:            "j",
		Type:          JobTypeBackfill,
		BackfillJobID: "nope",
	}})

	assert.Empty(t, runner.runs)
	require.Len(t, dlq.entries, 1)
	assert.Equal(t, redis.ReasonFatal, dlq.entries[0].Reason)
}

func TestClaimPendingMessages(t *testing.T) {
	p, stream, dlq := newTestProcessor(&fakeRunner{})
	stream.messages["4-0"] = backfillMessage("4-0", uuid.New())
	stream.messages["5-0"] = backfillMessage("5-0", uuid.New())
	stream.pending = []goredis.XPendingExt{
		{ID: "4-0", Idle: 2 * DefaultClaimMinIdle, RetryCount: 1},
		{ID: "5-0", Idle: 2 * DefaultClaimMinIdle, RetryCount: DefaultMaxRetries + 1},
		{ID: "6-0", Idle: time.Second, RetryCount: 1},
	}

	p.claimPendingMessages(context.Background())

	assert.Equal(t, []string{"4-0"}, stream.claimed)
	require.Len(t, dlq.entries, 1)
	assert.Equal(t, redis.ReasonMaxRetries, dlq.entries[0].Reason)
	assert.Equal(t, []string{"5-0"}, stream.acked)
	require.Len(t, p.jobsCh, 1)
	assert.Equal(t, "4-0", (<-p.jobsCh).ID)
}

func TestStartStop(t *testing.T) {
	p, _, _ := newTestProcessor(&fakeRunner{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Start(ctx))
	assert.True(t, p.IsRunning())
	assert.Error(t, p.Start(ctx))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, p.Stop(stopCtx))
	assert.False(t, p.IsRunning())
}

func TestBackfillMessage(t *testing.T) {
	job := &models.BackfillJob{ID: uuid.New(), OrganizationID: uuid.New(), ServiceIntegrationID: uuid.New(), IsCascade: true}
	msg := BackfillMessage(context.Background(), job)

	assert.Equal(t, JobTypeBackfill, msg.Type)
	assert.Equal(t, job.OrganizationID.String(), msg.OrganizationID)
	assert.Equal(t, job.ID.String(), msg.BackfillJobID)
	assert.True(t, msg.Cascade)
}
