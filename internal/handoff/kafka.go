package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/segmentio/kafka-go"

	"github.com/kpiflow-io/kpiflow/internal/config"
	"github.com/kpiflow-io/kpiflow/internal/ingestion"
)

// Compile-time check that KafkaProducer satisfies the Producer interface.
var _ Producer = (*KafkaProducer)(nil)

type (
	// KafkaProducer publishes stage triggers to a Kafka topic. Messages are
	// keyed by runId through a hash balancer, so all triggers for one run
	// land on the same partition and replays stay ordered with the original.
	KafkaProducer struct {
		writer *kafka.Writer
		logger *slog.Logger
	}

	// KafkaProducerOption configures a KafkaProducer.
	KafkaProducerOption func(*KafkaProducer)
)

// WithKafkaLogger sets a custom logger for the producer.
func WithKafkaLogger(logger *slog.Logger) KafkaProducerOption {
	return func(p *KafkaProducer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewKafkaProducer creates a producer over the brokers in cfg.
//
// The writer waits for acknowledgement from all in-sync replicas before
// reporting success; a nil Publish return therefore means the trigger is
// durable broker-side. Topics are auto-created on first publish so fresh
// clusters need no provisioning step.
func NewKafkaProducer(cfg *Config, opts ...KafkaProducerOption) (*KafkaProducer, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid handoff config: %w", err)
	}

	producer := &KafkaProducer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           cfg.BatchTimeout,
			WriteTimeout:           cfg.WriteTimeout,
			AllowAutoTopicCreation: true,
		},
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	// Apply optional configuration
	for _, opt := range opts {
		opt(producer)
	}

	producer.logger.Info("Created Kafka stage trigger producer",
		slog.String("topic", cfg.Topic),
		slog.Int("brokers", len(cfg.Brokers)))

	return producer, nil
}

// Publish delivers one stage trigger. Errors are classified as
// ingestion.ErrDownstreamHandoff so the monitor keeps the run open and
// retries on its next tick.
func (p *KafkaProducer) Publish(ctx context.Context, msg TriggerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal stage trigger for run %s: %w", msg.RunID, err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.RunID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("%w: run %s: %v", ingestion.ErrDownstreamHandoff, msg.RunID, err)
	}

	p.logger.Debug("Published stage trigger",
		slog.String("run_id", msg.RunID),
		slog.Bool("partial", msg.Partial),
		slog.String("topic", p.writer.Topic))

	return nil
}

// Close flushes buffered messages and closes the writer.
func (p *KafkaProducer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}

	return nil
}
