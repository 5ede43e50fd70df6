package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/kpiflow-io/kpiflow/internal/config"
)

// Default monitor settings, overridable via environment variables.
const (
	// defaultInterval is the tick period between open-record scans.
	defaultInterval = time.Minute

	// defaultTimeout is how long a run may age before the monitor decides
	// its terminal status from whatever arrived.
	defaultTimeout = 30 * time.Minute

	// defaultPartialThreshold is the minimum completed fraction a timed-out
	// run needs to still be handed off as partial.
	defaultPartialThreshold = 0.5

	// defaultConcurrency bounds how many records one tick evaluates at once.
	defaultConcurrency = 4
)

// Sentinel errors for monitor configuration validation.
var (
	// ErrInvalidInterval indicates a non-positive tick interval.
	ErrInvalidInterval = errors.New("monitor interval must be positive")

	// ErrInvalidTimeout indicates a non-positive run timeout.
	ErrInvalidTimeout = errors.New("monitor timeout must be positive")

	// ErrInvalidThreshold indicates a partial threshold outside (0, 1].
	ErrInvalidThreshold = errors.New("partial threshold must be in (0, 1]")

	// ErrInvalidConcurrency indicates a non-positive evaluation limit.
	ErrInvalidConcurrency = errors.New("monitor concurrency must be at least 1")
)

// Config holds job monitor configuration loaded from environment variables.
type Config struct {
	// Interval is the tick period between scans of open job records.
	Interval time.Duration

	// Timeout is the business-level run age limit, measured from the
	// record's createdAt. Not a call-level cancellation.
	Timeout time.Duration

	// PartialThreshold is the completed fraction (0, 1] a timed-out run
	// needs to close as partial instead of timeout.
	PartialThreshold float64

	// Concurrency bounds concurrent record evaluations per tick.
	Concurrency int
}

// LoadConfig loads monitor configuration from environment variables with
// sensible defaults:
//   - KPIFLOW_MONITOR_INTERVAL: tick period (default 1m)
//   - KPIFLOW_MONITOR_TIMEOUT: run age limit (default 30m)
//   - KPIFLOW_MONITOR_PARTIAL_THRESHOLD: partial cutoff (default 0.5)
//   - KPIFLOW_MONITOR_CONCURRENCY: per-tick evaluation bound (default 4)
func LoadConfig() *Config {
	return &Config{
		Interval:         config.GetEnvDuration("KPIFLOW_MONITOR_INTERVAL", defaultInterval),
		Timeout:          config.GetEnvDuration("KPIFLOW_MONITOR_TIMEOUT", defaultTimeout),
		PartialThreshold: config.GetEnvFloat("KPIFLOW_MONITOR_PARTIAL_THRESHOLD", defaultPartialThreshold),
		Concurrency:      config.GetEnvInt("KPIFLOW_MONITOR_CONCURRENCY", defaultConcurrency),
	}
}

// Validate checks that the configuration describes a runnable monitor.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInterval, c.Interval)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidTimeout, c.Timeout)
	}

	if c.PartialThreshold <= 0 || c.PartialThreshold > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, c.PartialThreshold)
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidConcurrency, c.Concurrency)
	}

	return nil
}
