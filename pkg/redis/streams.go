package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// dataField holds the JSON-encoded JobMessage inside a stream entry.
const dataField = "data"

// JobMessage is the unit of work carried on the job stream. A backfill job row in Postgres is
// the source of truth; the message only points at it.
type JobMessage struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	OrganizationID string    `json:"organization_id"`
	IntegrationID  string    `json:"integration_id,omitempty"`
	BackfillJobID  string    `json:"backfill_job_id,omitempty"`
	Cascade        bool      `json:"cascade,omitempty"`
	Attempts       int       `json:"attempts"`
	CreatedAt      time.Time `json:"created_at"`
	TraceParent    string    `json:"traceparent,omitempty"`
	TraceState     string    `json:"tracestate,omitempty"`
}

// StreamMessage pairs a decoded job with its stream entry id.
type StreamMessage struct {
	ID     string
	Stream string
	Job    *JobMessage
}

// Streams is the consumer-group job queue over Redis streams.
type Streams struct {
	client *Client
}

func NewStreams(client *Client) *Streams {
	return &Streams{client: client}
}

// Publish appends job to stream, filling in its id, timestamp and the caller's trace context.
func (s *Streams) Publish(ctx context.Context, stream string, job *JobMessage) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.TraceParent == "" {
		job.TraceParent = tracing.GetTraceParent(ctx)
		job.TraceState = tracing.GetTraceState(ctx)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	entryID, err := s.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			dataField:         string(data),
			"type":            job.Type,
			"organization_id": job.OrganizationID,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish job %s to %s: %w", job.ID, stream, err)
	}

	s.client.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":          job.ID,
		"job_type":        job.Type,
		"backfill_job_id": job.BackfillJobID,
		"stream":          stream,
		"entry_id":        entryID,
	}).Info("job published")
	return entryID, nil
}

// CreateConsumerGroup creates group on stream, creating the stream as needed. An existing group is not an error.
func (s *Streams) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := s.client.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Consume blocks up to block for entries never delivered to group.
func (s *Streams) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	results, err := s.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, result := range results {
		messages = append(messages, s.decode(ctx, result.Stream, result.Messages)...)
	}
	return messages, nil
}

func (s *Streams) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return s.client.rdb.XAck(ctx, stream, group, ids...).Err()
}

// Pending lists delivered but unacknowledged entries with their idle time and delivery count.
func (s *Streams) Pending(ctx context.Context, stream, group string, count int64) ([]redis.XPendingExt, error) {
	return s.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
}

// Claim takes over entries idle for at least minIdle, e.g. from a worker that died mid-backfill.
func (s *Streams) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error) {
	results, err := s.client.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.decode(ctx, stream, results), nil
}

func (s *Streams) Range(ctx context.Context, stream, start, end string) ([]StreamMessage, error) {
	results, err := s.client.rdb.XRange(ctx, stream, start, end).Result()
	if err != nil {
		return nil, err
	}
	return s.decode(ctx, stream, results), nil
}

func (s *Streams) Len(ctx context.Context, stream string) (int64, error) {
	return s.client.rdb.XLen(ctx, stream).Result()
}

// decode drops entries that do not carry a job; they are logged and left for the pending sweep.
func (s *Streams) decode(ctx context.Context, stream string, entries []redis.XMessage) []StreamMessage {
	messages := make([]StreamMessage, 0, len(entries))
	for _, entry := range entries {
		data, ok := entry.Values[dataField].(string)
		if !ok {
			continue
		}

		var job JobMessage
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			s.client.logger.WithContext(ctx).WithError(err).Warnf("undecodable job in %s entry %s", stream, entry.ID)
			continue
		}
		messages = append(messages, StreamMessage{ID: entry.ID, Stream: stream, Job: &job})
	}
	return messages
}
