package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/medstore-io/medstore/internal/ingestion"
)

const actionHeader = "medstore-action"

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes change-feed events as JSON to a Kafka topic.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher with a synchronous writer: Publish returns once
// the brokers acknowledged the message.
func NewKafkaPublisher(cfg *Config, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: cfg.AllowAutoTopicCreation,
	}

	return newKafkaPublisher(writer, cfg.Topic, logger)
}

func newKafkaPublisher(writer messageWriter, topic string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, topic: topic, logger: logger}
}

// Publish encodes event and writes it keyed by SOP instance UID.
func (p *KafkaPublisher) Publish(ctx context.Context, event ingestion.ChangeFeedEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode change feed event: %w", err)
	}

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	msg := kafka.Message{
		Key:   []byte(event.SOPInstanceUID),
		Value: value,
		Time:  timestamp,
		Headers: []kafka.Header{
			{Key: actionHeader, Value: []byte(event.Action)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish change feed event to %s: %w", p.topic, err)
	}

	p.logger.Debug("Change feed event published",
		slog.String("topic", p.topic),
		slog.String("event_id", event.ID),
		slog.String("sop_instance_uid", event.SOPInstanceUID),
		slog.Int64("watermark", event.Watermark))

	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}

	return nil
}
