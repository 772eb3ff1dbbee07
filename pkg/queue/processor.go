// Package queue runs backfill jobs from a Redis Streams queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/backfill"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/faults"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/replicator"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultBatchSize is the default number of messages to consume at once
	DefaultBatchSize = 10

	// DefaultBlockTimeout is how long to block waiting for messages
	DefaultBlockTimeout = 5 * time.Second

	// DefaultMaxRetries is the default number of retries for a job
	DefaultMaxRetries = 5

	// DefaultClaimInterval is how often to claim stale pending messages
	DefaultClaimInterval = 30 * time.Second

	// DefaultClaimMinIdle is the minimum idle time before claiming a message
	DefaultClaimMinIdle = 60 * time.Second

	JobTypeBackfill = "backfill"
)

// Stream is the subset of redis.Streams the processor uses.
type Stream interface {
	CreateConsumerGroup(ctx context.Context, stream, group string) error
	Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]redis.StreamMessage, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Pending(ctx context.Context, stream, group string, count int64) ([]goredis.XPendingExt, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]redis.StreamMessage, error)
	Range(ctx context.Context, stream, start, end string) ([]redis.StreamMessage, error)
}

type DeadLetters interface {
	Add(ctx context.Context, entry *redis.DLQEntry) (string, error)
}

// BackfillRunner executes one recorded backfill job.
type BackfillRunner interface {
	RunBackfill(ctx context.Context, jobID uuid.UUID) (*backfill.Summary, error)
}

// ProcessorConfig holds configuration for the job processor
type ProcessorConfig struct {
	Stream        string
	ConsumerGroup string
	// ConsumerName is unique per worker instance.
	ConsumerName string
	BatchSize    int64
	BlockTimeout time.Duration
	// MaxRetries bounds redeliveries of a retryable failure before the job is dead-lettered.
	MaxRetries    int
	ClaimInterval time.Duration
	ClaimMinIdle  time.Duration
	WorkerCount   int
}

// DefaultProcessorConfig returns the default processor configuration
func DefaultProcessorConfig() ProcessorConfig {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.New().String()[:8]
	}

	return ProcessorConfig{
		Stream:        "fern:jobs",
		ConsumerGroup: "fern-workers",
		ConsumerName:  hostname,
		BatchSize:     DefaultBatchSize,
		BlockTimeout:  DefaultBlockTimeout,
		MaxRetries:    DefaultMaxRetries,
		ClaimInterval: DefaultClaimInterval,
		ClaimMinIdle:  DefaultClaimMinIdle,
		WorkerCount:   1,
	}
}

// outcome is what the worker does with a message after processing it.
type outcome int

const (
	outcomeAck outcome = iota
	outcomeRetry
	outcomeDeadLetter
)

// JobResult holds the result of processing a job
type JobResult struct {
	JobID     string
	MessageID string
	Error     error
	Duration  time.Duration
	outcome   outcome
	reason    redis.DeadLetterReason
}

// Processor processes jobs from a Redis Streams queue
type Processor struct {
	streams Stream
	dlq     DeadLetters
	runner  BackfillRunner
	config  ProcessorConfig
	logger  ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	jobsCh   chan redis.StreamMessage

	running bool
	mu      sync.RWMutex
}

func NewProcessor(streams Stream, dlq DeadLetters, runner BackfillRunner, config ProcessorConfig, logger ectologger.Logger) *Processor {
	defaults := DefaultProcessorConfig()
	if config.Stream == "" {
		config.Stream = defaults.Stream
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = defaults.ConsumerGroup
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = DefaultClaimInterval
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = DefaultClaimMinIdle
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}

	return &Processor{
		streams:  streams,
		dlq:      dlq,
		runner:   runner,
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
		jobsCh:   make(chan redis.StreamMessage, config.BatchSize*2),
	}
}

// Start starts the consumer, claimer and worker goroutines. It returns once they are running.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	p.mu.Unlock()

	p.logger.WithContext(ctx).Infof("Starting job processor: stream=%s group=%s consumer=%s workers=%d",
		p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.WorkerCount)

	if err := p.streams.CreateConsumerGroup(ctx, p.config.Stream, p.config.ConsumerGroup); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to create consumer group")
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	var workers, feeders sync.WaitGroup
	for i := 0; i < p.config.WorkerCount; i++ {
		workers.Add(1)
		go p.worker(ctx, &workers, i)
	}

	feeders.Add(2)
	go p.consumeLoop(ctx, &feeders)
	go p.claimLoop(ctx, &feeders)

	go func() {
		<-p.stopCh
		feeders.Wait()
		close(p.jobsCh)
		workers.Wait()
		close(p.stoppedC)
	}()

	p.logger.WithContext(ctx).Info("Job processor started")
	return nil
}

// Stop stops the processor gracefully
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.WithContext(ctx).Info("Stopping job processor...")
	close(p.stopCh)

	select {
	case <-p.stoppedC:
		p.logger.WithContext(ctx).Info("Job processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WithContext(ctx).Warn("Job processor shutdown timed out")
		return ctx.Err()
	}
	return nil
}

func (p *Processor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Processor) consumeLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		messages, err := p.streams.Consume(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName,
			p.config.BatchSize, p.config.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WithContext(ctx).WithError(err).Warn("Failed to consume messages")
			select {
			case <-time.After(time.Second):
			case <-p.stopCh:
				return
			}
			continue
		}

		for _, msg := range messages {
			select {
			case p.jobsCh <- msg:
			case <-p.stopCh:
				return
			}
		}
	}
}

func (p *Processor) claimLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.claimPendingMessages(ctx)
		}
	}
}

// claimPendingMessages redelivers messages whose consumer gave up on them, dead-lettering those
// that were delivered more than MaxRetries times.
func (p *Processor) claimPendingMessages(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Processor.claimPendingMessages")
	defer span.End()

	pending, err := p.streams.Pending(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.BatchSize)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to get pending messages")
		return
	}

	var staleIDs []string
	for _, msg := range pending {
		if msg.Idle < p.config.ClaimMinIdle {
			continue
		}
		if msg.RetryCount > int64(p.config.MaxRetries) {
			p.logger.WithContext(ctx).Warnf("Message %s exceeded max retries (%d), moving to DLQ", msg.ID, msg.RetryCount)
			p.deadLetterByID(ctx, msg.ID, int(msg.RetryCount), redis.ReasonMaxRetries, "exceeded maximum retry count")
			continue
		}
		staleIDs = append(staleIDs, msg.ID)
	}
	if len(staleIDs) == 0 {
		return
	}

	p.logger.WithContext(ctx).Infof("Claiming %d stale pending messages", len(staleIDs))
	claimed, err := p.streams.Claim(ctx, p.config.Stream, p.config.ConsumerGroup, p.config.ConsumerName, p.config.ClaimMinIdle, staleIDs...)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to claim pending messages")
		return
	}

	for _, msg := range claimed {
		select {
		case p.jobsCh <- msg:
		case <-p.stopCh:
			return
		default:
			// workers are busy; the message stays pending for the next pass
		}
	}
}

func (p *Processor) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	p.logger.WithContext(ctx).Debugf("Worker %d started", id)
	for msg := range p.jobsCh {
		p.handle(ctx, msg)
	}
	p.logger.WithContext(ctx).Debugf("Worker %d stopped", id)
}

// handle processes msg and then acks, leaves pending or dead-letters it.
func (p *Processor) handle(ctx context.Context, msg redis.StreamMessage) {
	result := p.processJob(ctx, msg)

	switch result.outcome {
	case outcomeAck:
		metrics.RecordQueueJob("succeeded")
		p.ack(ctx, msg.ID)
	case outcomeRetry:
		metrics.RecordQueueJob("retried")
		p.logger.WithContext(ctx).WithError(result.Error).Warnf("Job %s failed, will be retried", result.JobID)
	case outcomeDeadLetter:
		metrics.RecordQueueJob("dead_lettered")
		p.deadLetter(ctx, msg, msg.Job.Attempts, result.reason, result.Error)
	}
}

func (p *Processor) processJob(ctx context.Context, msg redis.StreamMessage) *JobResult {
	job := msg.Job
	ctx = tracing.ContinueTrace(ctx, job.TraceParent, job.TraceState)
	ctx = appctx.SetRequestID(ctx, job.ID)
	ctx = appctx.SetTenantID(ctx, job.OrganizationID)
	if job.IntegrationID != "" {
		ctx = appctx.SetIntegrationID(ctx, job.IntegrationID)
	}
	ctx, span := tracing.StartSpan(ctx, "Processor.processJob")
	defer span.End()

	start := time.Now()
	result := &JobResult{JobID: job.ID, MessageID: msg.ID}

	p.logger.WithContext(ctx).Infof("Processing job %s: type=%s organization=%s", job.ID, job.Type, job.OrganizationID)

	switch job.Type {
	case JobTypeBackfill:
		result.Error = p.processBackfill(ctx, job)
	default:
		result.Error = fmt.Errorf("unknown job type: %s", job.Type)
		result.outcome = outcomeDeadLetter
		result.reason = redis.ReasonUnknownJob
		return result
	}
	result.Duration = time.Since(start)
	classify(result)

	if result.Error == nil {
		p.logger.WithContext(ctx).Infof("Job %s completed successfully in %s", job.ID, result.Duration)
	} else {
		tracing.RecordError(span, result.Error)
	}
	return result
}

// classify decides a failed job's fate. Transport timeouts and a concurrent backfill of the same
// integration are retried; everything else will fail the same way again.
func classify(result *JobResult) {
	err := result.Error
	switch {
	case err == nil:
		result.outcome = outcomeAck
	case faults.IsRetryable(err), errors.Is(err, replicator.ErrBackfillInProgress):
		result.outcome = outcomeRetry
	case faults.IsKind(err, faults.KindInvalidPostcondition):
		result.outcome = outcomeDeadLetter
		result.reason = redis.ReasonPrecondition
	case httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound:
		// the job or its integration was deleted
		result.outcome = outcomeAck
	default:
		result.outcome = outcomeDeadLetter
		result.reason = redis.ReasonFatal
	}
}

func (p *Processor) processBackfill(ctx context.Context, job *redis.JobMessage) error {
	jobID, err := uuid.Parse(job.BackfillJobID)
	if err != nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid backfill_job_id %q: %v", job.BackfillJobID, err)
	}

	summary, err := p.runner.RunBackfill(ctx, jobID)
	if err != nil {
		return err
	}
	if summary != nil {
		p.logger.WithContext(ctx).WithFields(map[string]any{
			"pages":    summary.Pages,
			"items":    summary.Items,
			"enriched": summary.Enriched,
		}).Info("backfill finished")
	}
	return nil
}

func (p *Processor) ack(ctx context.Context, messageID string) {
	if err := p.streams.Ack(ctx, p.config.Stream, p.config.ConsumerGroup, messageID); err != nil {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to ack message %s", messageID)
	}
}

// deadLetterByID loads a pending message and dead-letters it. A message that can no longer be read
// is acked so it stops being redelivered.
func (p *Processor) deadLetterByID(ctx context.Context, messageID string, retryCount int, reason redis.DeadLetterReason, message string) {
	messages, err := p.streams.Range(ctx, p.config.Stream, messageID, messageID)
	if err != nil || len(messages) == 0 {
		p.logger.WithContext(ctx).WithError(err).Warnf("Failed to get message %s for DLQ", messageID)
		p.ack(ctx, messageID)
		return
	}
	p.deadLetter(ctx, messages[0], retryCount, reason, errors.New(message))
}

func (p *Processor) deadLetter(ctx context.Context, msg redis.StreamMessage, retryCount int, reason redis.DeadLetterReason, cause error) {
	ctx, span := tracing.StartSpan(ctx, "Processor.deadLetter")
	defer span.End()

	if p.dlq != nil {
		entry := &redis.DLQEntry{
			OrganizationID: msg.Job.OrganizationID,
			IntegrationID:  msg.Job.IntegrationID,
			OriginalJob:    msg.Job,
			Reason:         reason,
			ErrorMessage:   cause.Error(),
			RetryCount:     retryCount,
		}

		if _, err := p.dlq.Add(ctx, entry); err != nil {
			p.logger.WithContext(ctx).WithError(err).Errorf("Failed to add job %s to DLQ", msg.Job.ID)
			// leave it pending rather than lose it
			return
		}
		metrics.RecordDLQJob(msg.Job.OrganizationID, string(reason))
	}
	p.ack(ctx, msg.ID)
}

// Enqueuer publishes backfill jobs to the stream the processor consumes.
type Enqueuer struct {
	streams *redis.Streams
	stream  string
}

func NewEnqueuer(streams *redis.Streams, stream string) *Enqueuer {
	if stream == "" {
		stream = DefaultProcessorConfig().Stream
	}
	return &Enqueuer{streams: streams, stream: stream}
}

func (e *Enqueuer) EnqueueBackfill(ctx context.Context, job *models.BackfillJob) error {
	_, err := e.streams.Publish(ctx, e.stream, BackfillMessage(ctx, job))
	return err
}

// BackfillMessage is the stream message that runs job.
func BackfillMessage(ctx context.Context, job *models.BackfillJob) *redis.JobMessage {
	return &redis.JobMessage{
		ID:             uuid.New().String(),
		Type:           JobTypeBackfill,
		OrganizationID: job.OrganizationID.String(),
		IntegrationID:  appctx.GetIntegrationID(ctx),
		BackfillJobID:  job.ID.String(),
		Cascade:        job.IsCascade,
	}
}
