package handoff

import (
	"context"
	"log/slog"
	"os"

	"github.com/kpiflow-io/kpiflow/internal/config"
)

// Compile-time check that LogProducer satisfies the Producer interface.
var _ Producer = (*LogProducer)(nil)

// LogProducer is the broker-less fallback: each stage trigger is written to
// the structured log instead of a topic. Deployments without Kafka still see
// every handoff decision, but nothing downstream is triggered.
type LogProducer struct {
	logger *slog.Logger
}

// NewLogProducer creates a log-only producer. A nil logger falls back to a
// JSON handler on stdout.
func NewLogProducer(logger *slog.Logger) *LogProducer {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		}))
	}

	return &LogProducer{logger: logger}
}

// Publish writes the trigger to the log and reports success.
func (p *LogProducer) Publish(_ context.Context, msg TriggerMessage) error {
	p.logger.Info("Stage trigger (log-only handoff)",
		slog.String("run_id", msg.RunID),
		slog.Time("timestamp", msg.Timestamp),
		slog.Bool("partial", msg.Partial))

	return nil
}

// Close is a no-op; the producer owns no resources.
func (p *LogProducer) Close() error {
	return nil
}
