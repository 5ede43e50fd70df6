package handoff

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"
)

const testTopic = "kpiflow.stage.triggers.test"

// setupTestKafka creates a single-broker Kafka testcontainer.
func setupTestKafka(ctx context.Context, t *testing.T) (*kafkacontainer.KafkaContainer, []string) {
	t.Helper()

	container, err := kafkacontainer.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafkacontainer.WithClusterID("kpiflow-test"),
	)
	if err != nil {
		t.Fatalf("failed to start kafka container: %v", err)
	}

	if container == nil {
		t.Fatalf("kafka container is nil")
	}

	brokers, err := container.Brokers(ctx)
	if err != nil {
		_ = container.Terminate(ctx)

		t.Fatalf("failed to get broker addresses: %v", err)
	}

	return container, brokers
}

// publishWithRetry retries the first publishes while the auto-created topic
// elects a leader; a fresh single-broker cluster needs a few seconds.
func publishWithRetry(ctx context.Context, t *testing.T, producer *KafkaProducer, msg TriggerMessage) {
	t.Helper()

	deadline := time.Now().Add(60 * time.Second)

	var err error

	for time.Now().Before(deadline) {
		err = producer.Publish(ctx, msg)
		if err == nil {
			return
		}

		time.Sleep(500 * time.Millisecond)
	}

	t.Fatalf("Publish() did not succeed before deadline: %v", err)
}

func TestKafkaProducerPublish(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, brokers := setupTestKafka(ctx, t)

	defer func() {
		_ = container.Terminate(ctx)
	}()

	cfg := &Config{
		Brokers:      brokers,
		Topic:        testTopic,
		BatchTimeout: defaultBatchTimeout,
		WriteTimeout: defaultWriteTimeout,
	}

	producer, err := NewKafkaProducer(cfg,
		WithKafkaLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("NewKafkaProducer() error = %v", err)
	}

	defer func() {
		_ = producer.Close()
	}()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	complete := NewTriggerMessage("run-complete", at, false)
	partial := NewTriggerMessage("run-partial", at.Add(time.Minute), true)

	publishWithRetry(ctx, t, producer, complete)

	if err := producer.Publish(ctx, partial); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	// Read both messages back from the beginning of the topic.
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     testTopic,
		Partition: 0,
		MaxWait:   time.Second,
	})

	defer func() {
		_ = reader.Close()
	}()

	if err := reader.SetOffset(kafka.FirstOffset); err != nil {
		t.Fatalf("SetOffset() error = %v", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	received := make(map[string]TriggerMessage, 2)

	for i := 0; i < 2; i++ {
		raw, err := reader.ReadMessage(readCtx)
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}

		var msg TriggerMessage
		if err := json.Unmarshal(raw.Value, &msg); err != nil {
			t.Fatalf("Unmarshal() error = %v: %s", err, raw.Value)
		}

		// Messages are keyed by run id for partition affinity.
		if string(raw.Key) != msg.RunID {
			t.Errorf("message key = %q, want run id %q", raw.Key, msg.RunID)
		}

		received[msg.RunID] = msg
	}

	got, ok := received["run-complete"]
	if !ok {
		t.Fatal("missing trigger for run-complete")
	}

	if got.Type != MessageTypeStageTrigger {
		t.Errorf("Type = %q, want %q", got.Type, MessageTypeStageTrigger)
	}

	if got.Partial {
		t.Error("run-complete Partial = true, want false")
	}

	if !got.Timestamp.Equal(at) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, at)
	}

	got, ok = received["run-partial"]
	if !ok {
		t.Fatal("missing trigger for run-partial")
	}

	if !got.Partial {
		t.Error("run-partial Partial = false, want true")
	}
}
