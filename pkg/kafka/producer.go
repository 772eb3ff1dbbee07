// Package kafka publishes row-change notifications.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/replicator"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const DefaultRowChangeTopic = "fern.row-changes"

// Config holds Kafka configuration
type Config struct {
	Brokers        []string
	RowChangeTopic string
}

// ParseConfig parses a comma-separated broker string
func ParseConfig(brokers, rowChangeTopic string) Config {
	var brokerList []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokerList = append(brokerList, b)
		}
	}
	if rowChangeTopic == "" {
		rowChangeTopic = DefaultRowChangeTopic
	}
	return Config{
		Brokers:        brokerList,
		RowChangeTopic: rowChangeTopic,
	}
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes replicator.RowChange messages, keyed by organization and remote key so
// changes to one row stay ordered within a partition.
type Producer struct {
	writer MessageWriter
	logger ectologger.Logger
	topic  string
}

func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.RowChangeTopic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		// dev brokers may not have the topic yet
		AllowAutoTopicCreation: true,
	}
	return NewProducerWithWriter(writer, cfg.RowChangeTopic, logger)
}

func NewProducerWithWriter(writer MessageWriter, topic string, logger ectologger.Logger) *Producer {
	return &Producer{
		writer: writer,
		logger: logger,
		topic:  topic,
	}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// PublishRowChanges writes changes as one batch.
func (p *Producer) PublishRowChanges(ctx context.Context, changes ...replicator.RowChange) error {
	if len(changes) == 0 {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishRowChanges")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
		attribute.Int("messaging.batch_size", len(changes)),
		attribute.String("integration_id", changes[0].IntegrationID),
	)

	traceparent := tracing.GetTraceParent(ctx)
	tracestate := tracing.GetTraceState(ctx)

	messages := make([]kafka.Message, len(changes))
	for i, change := range changes {
		msg, err := rowChangeMessage(change, traceparent, tracestate)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, fmt.Sprintf("failed to marshal row change %d", i))
			return err
		}
		messages[i] = msg
	}

	start := time.Now()
	err := p.writer.WriteMessages(ctx, messages...)
	if err != nil {
		metrics.RecordKafkaPublish(p.topic, "error", time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish batch")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish row changes to Kafka topic %s", p.topic)
		return err
	}
	metrics.RecordKafkaPublish(p.topic, "success", time.Since(start).Seconds())

	span.SetStatus(codes.Ok, "batch published")
	p.logger.WithContext(ctx).Debugf("Published %d row changes to Kafka", len(changes))
	return nil
}

func rowChangeMessage(change replicator.RowChange, traceparent, tracestate string) (kafka.Message, error) {
	data, err := json.Marshal(change)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal row change: %w", err)
	}

	headers := []kafka.Header{
		{Key: "tenant_id", Value: []byte(change.OrganizationID.String())},
		{Key: "integration_id", Value: []byte(change.IntegrationID)},
		{Key: "service_name", Value: []byte(change.ServiceName)},
		{Key: "action", Value: []byte(change.Action)},
	}
	if change.DependentID != "" {
		headers = append(headers, kafka.Header{Key: "dependent_id", Value: []byte(change.DependentID)})
	}
	if traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}
	if tracestate != "" {
		headers = append(headers, kafka.Header{Key: "tracestate", Value: []byte(tracestate)})
	}

	return kafka.Message{
		Key:     []byte(fmt.Sprintf("%s:%s:%s", change.OrganizationID, change.IntegrationID, change.RemoteKey)),
		Value:   data,
		Headers: headers,
	}, nil
}
