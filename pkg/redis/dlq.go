package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultDLQStream = "fern:dlq"

	// DLQMaxLen caps the dead-letter stream; the oldest entries are trimmed first.
	DLQMaxLen = 10000
)

var ErrDLQEntryNotFound = errors.New("dead letter entry not found")

// JobPublisher re-enqueues a dead-lettered job. *Streams satisfies it.
type JobPublisher interface {
	Publish(ctx context.Context, stream string, job *JobMessage) (string, error)
}

type DeadLetterReason string

const (
	ReasonMaxRetries   DeadLetterReason = "max_retries"
	ReasonFatal        DeadLetterReason = "fatal"
	ReasonPrecondition DeadLetterReason = "invalid_postcondition"
	ReasonUnknownJob   DeadLetterReason = "unknown_job_type"
)

// DLQEntry is a job that will not succeed by being redelivered. MessageID is the
// stream entry id and is what Retry takes; it is filled in on read.
type DLQEntry struct {
	ID             string           `json:"id"`
	MessageID      string           `json:"message_id,omitempty"`
	OrganizationID string           `json:"organization_id"`
	IntegrationID  string           `json:"integration_id,omitempty"`
	OriginalJob    *JobMessage      `json:"original_job"`
	Reason         DeadLetterReason `json:"reason"`
	ErrorMessage   string           `json:"error_message"`
	RetryCount     int              `json:"retry_count"`
	CreatedAt      time.Time        `json:"created_at"`
	TraceID        string           `json:"trace_id,omitempty"`
}

type DeadLetterQueue struct {
	client     *Client
	streamName string
	logger     ectologger.Logger
}

func NewDeadLetterQueue(client *Client, streamName string, logger ectologger.Logger) *DeadLetterQueue {
	if streamName == "" {
		streamName = DefaultDLQStream
	}
	return &DeadLetterQueue{client: client, streamName: streamName, logger: logger}
}

func (d *DeadLetterQueue) Add(ctx context.Context, entry *DLQEntry) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "DeadLetterQueue.Add")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.TraceID = tracing.GetTraceID(ctx)

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to encode dead letter %s: %w", entry.ID, err)
	}

	messageID, err := d.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: d.streamName,
		MaxLen: DLQMaxLen,
		Approx: true,
		Values: map[string]any{
			dataField:         string(data),
			"organization_id": entry.OrganizationID,
			"reason":          string(entry.Reason),
		},
	}).Result()
	if err != nil {
		tracing.RecordError(span, err)
		return "", fmt.Errorf("failed to dead-letter job: %w", err)
	}

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"message_id":     messageID,
		"integration_id": entry.IntegrationID,
		"reason":         entry.Reason,
	}).Warn("job dead-lettered")
	return messageID, nil
}

// List returns up to count entries, newest first.
func (d *DeadLetterQueue) List(ctx context.Context, count int64) ([]DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DeadLetterQueue.List")
	defer span.End()

	if count <= 0 {
		count = 100
	}
	messages, err := d.client.rdb.XRevRangeN(ctx, d.streamName, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}

	entries := make([]DLQEntry, 0, len(messages))
	for _, msg := range messages {
		entry, err := decodeEntry(msg)
		if err != nil {
			d.logger.WithContext(ctx).WithError(err).Warnf("skipping dead letter %s", msg.ID)
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// Get reads one entry by stream message id.
func (d *DeadLetterQueue) Get(ctx context.Context, messageID string) (*DLQEntry, error) {
	messages, err := d.client.rdb.XRange(ctx, d.streamName, messageID, messageID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letter %s: %w", messageID, err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDLQEntryNotFound, messageID)
	}
	return decodeEntry(messages[0])
}

// Retry publishes the entry's job to queueName with its attempts reset, then removes the entry.
func (d *DeadLetterQueue) Retry(ctx context.Context, messageID string, jobQueue JobPublisher, queueName string) error {
	ctx, span := tracing.StartSpan(ctx, "DeadLetterQueue.Retry")
	defer span.End()

	entry, err := d.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if entry.OriginalJob == nil {
		return fmt.Errorf("dead letter %s has no job to retry", messageID)
	}

	entry.OriginalJob.Attempts = 0
	if _, err := jobQueue.Publish(ctx, queueName, entry.OriginalJob); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to re-enqueue dead letter %s: %w", messageID, err)
	}

	// a failed delete leaves a duplicate entry; the job itself is already requeued
	if err := d.client.rdb.XDel(ctx, d.streamName, messageID).Err(); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warnf("failed to remove retried dead letter %s", messageID)
	}

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"message_id":      messageID,
		"integration_id":  entry.IntegrationID,
		"backfill_job_id": entry.OriginalJob.BackfillJobID,
	}).Info("dead letter retried")
	return nil
}

func (d *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	return d.client.rdb.XLen(ctx, d.streamName).Result()
}

func decodeEntry(msg redis.XMessage) (*DLQEntry, error) {
	data, ok := msg.Values[dataField].(string)
	if !ok {
		return nil, fmt.Errorf("dead letter %s has no %s field", msg.ID, dataField)
	}
	var entry DLQEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to decode dead letter %s: %w", msg.ID, err)
	}
	entry.MessageID = msg.ID
	return &entry, nil
}
