package handoff

import (
	"errors"
	"strings"
	"time"

	"github.com/kpiflow-io/kpiflow/internal/config"
)

// Default producer settings, overridable via environment variables.
const (
	// defaultTopic is the single topic all stage triggers go to.
	defaultTopic = "kpiflow.stage.triggers"

	// defaultBatchTimeout bounds how long the writer buffers before
	// flushing. Trigger volume is a handful of messages per monitor tick,
	// so a short flush keeps publish latency low.
	defaultBatchTimeout = 100 * time.Millisecond

	// defaultWriteTimeout bounds one produce round trip to the brokers.
	defaultWriteTimeout = 10 * time.Second
)

// Sentinel errors for producer configuration validation.
var (
	// ErrNilConfig indicates a nil config was passed to a constructor.
	ErrNilConfig = errors.New("handoff config cannot be nil")

	// ErrNoBrokers indicates Kafka handoff was requested without any
	// bootstrap broker address.
	ErrNoBrokers = errors.New("at least one kafka broker is required")

	// ErrTopicEmpty indicates the trigger topic name is empty.
	ErrTopicEmpty = errors.New("kafka topic cannot be empty")
)

// Config holds Kafka producer configuration loaded from environment
// variables.
type Config struct {
	// Brokers lists the bootstrap addresses. Empty means Kafka handoff is
	// disabled; callers fall back to the log producer.
	Brokers []string

	// Topic is the stage trigger topic.
	Topic string

	// BatchTimeout is the writer's flush interval.
	BatchTimeout time.Duration

	// WriteTimeout bounds one produce round trip.
	WriteTimeout time.Duration
}

// LoadConfig loads producer configuration from environment variables with
// sensible defaults:
//   - KPIFLOW_KAFKA_BROKERS: comma-separated bootstrap addresses (default none)
//   - KPIFLOW_KAFKA_TOPIC: trigger topic (default kpiflow.stage.triggers)
//   - KPIFLOW_KAFKA_BATCH_TIMEOUT: writer flush interval (default 100ms)
//   - KPIFLOW_KAFKA_WRITE_TIMEOUT: produce round trip bound (default 10s)
func LoadConfig() *Config {
	return &Config{
		Brokers:      config.ParseCommaSeparatedList(config.GetEnvStr("KPIFLOW_KAFKA_BROKERS", "")),
		Topic:        config.GetEnvStr("KPIFLOW_KAFKA_TOPIC", defaultTopic),
		BatchTimeout: config.GetEnvDuration("KPIFLOW_KAFKA_BATCH_TIMEOUT", defaultBatchTimeout),
		WriteTimeout: config.GetEnvDuration("KPIFLOW_KAFKA_WRITE_TIMEOUT", defaultWriteTimeout),
	}
}

// Enabled reports whether any broker is configured. Disabled configs are not
// an error; they select the log producer instead.
func (c *Config) Enabled() bool {
	return c != nil && len(c.Brokers) > 0
}

// Validate checks that the configuration can build a working Kafka producer.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	if strings.TrimSpace(c.Topic) == "" {
		return ErrTopicEmpty
	}

	return nil
}
