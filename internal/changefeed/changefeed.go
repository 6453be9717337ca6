// Package changefeed publishes ingestion.ChangeFeedEvent values to downstream consumers.
//
// Events are keyed by SOP instance UID so that every change to one instance lands on
// the same partition, in order.
package changefeed

import (
	"context"
	"log/slog"

	"github.com/medstore-io/medstore/internal/ingestion"
)

// Publisher is an ingestion.ChangeFeedPublisher that owns resources to release.
type Publisher interface {
	ingestion.ChangeFeedPublisher
	Close() error
}

// New returns a Kafka publisher when brokers are configured and a NoopPublisher otherwise.
func New(cfg *Config, logger *slog.Logger) (Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !cfg.Enabled() {
		logger.Info("Change feed disabled: MEDSTORE_KAFKA_BROKERS not set")

		return NewNoopPublisher(logger), nil
	}

	logger.Info("Change feed enabled", slog.String("config", cfg.String()))

	return NewKafkaPublisher(cfg, logger), nil
}

// NoopPublisher drops events. It is used when no broker is configured.
type NoopPublisher struct {
	logger *slog.Logger
}

// NewNoopPublisher creates a NoopPublisher.
func NewNoopPublisher(logger *slog.Logger) *NoopPublisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &NoopPublisher{logger: logger}
}

// Publish logs the event at debug level.
func (p *NoopPublisher) Publish(_ context.Context, event ingestion.ChangeFeedEvent) error {
	p.logger.Debug("Change feed event dropped",
		slog.String("event_id", event.ID),
		slog.String("sop_instance_uid", event.SOPInstanceUID),
		slog.Int64("watermark", event.Watermark))

	return nil
}

// Close is a no-op.
func (p *NoopPublisher) Close() error {
	return nil
}
