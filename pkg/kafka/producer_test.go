package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/replicator"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestParseConfig(t *testing.T) {
	cfg := ParseConfig(" kafka-1:9092, kafka-2:9092,, ", "")

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Brokers)
	assert.Equal(t, DefaultRowChangeTopic, cfg.RowChangeTopic)
}

func TestPublishRowChanges(t *testing.T) {
	writer := &recordingWriter{}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	producer := NewProducerWithWriter(writer, DefaultRowChangeTopic, logger)
	org := uuid.New()

	base := replicator.RowChange{
		OrganizationID: org,
		IntegrationID:  "svi_parent",
		ServiceName:    "rentals_listing_v1",
		Table:          "listings",
		Action:         "updated",
		RemoteKey:      "12",
		ChangedFields:  []string{"title"},
	}
	dependent := base
	dependent.DependentID = "svi_child"

	require.NoError(t, producer.PublishRowChanges(context.Background(), base, dependent))
	require.Len(t, writer.messages, 2)

	first := writer.messages[0]
	assert.Equal(t, org.String()+":svi_parent:12", string(first.Key))
	assert.Equal(t, "updated", header(first, "action"))
	assert.Empty(t, header(first, "dependent_id"))
	assert.Equal(t, "svi_child", header(writer.messages[1], "dependent_id"))

	var decoded replicator.RowChange
	require.NoError(t, json.Unmarshal(first.Value, &decoded))
	assert.Equal(t, []string{"title"}, decoded.ChangedFields)
}

func TestPublishRowChangesNothingToSend(t *testing.T) {
	writer := &recordingWriter{err: errors.New("unreachable")}
	producer := NewProducerWithWriter(writer, DefaultRowChangeTopic, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))

	assert.NoError(t, producer.PublishRowChanges(context.Background()))
}

func TestPublishRowChangesError(t *testing.T) {
	writer := &recordingWriter{err: errors.New("broker down")}
	producer := NewProducerWithWriter(writer, DefaultRowChangeTopic, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))

	err := producer.PublishRowChanges(context.Background(), replicator.RowChange{IntegrationID: "svi_x"})
	assert.EqualError(t, err, "broker down")
}
