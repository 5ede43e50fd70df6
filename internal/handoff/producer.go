package handoff

import "context"

// Producer delivers stage triggers to the downstream stage. Implementations
// are safe for concurrent use.
type Producer interface {
	// Publish delivers one trigger. A nil return means the message is
	// durably accepted downstream; any error means the caller must keep the
	// run open and retry later (the monitor retries on its next tick).
	Publish(ctx context.Context, msg TriggerMessage) error

	// Close flushes buffered messages and releases producer resources.
	Close() error
}
