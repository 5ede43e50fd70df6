// Package handoff publishes stage trigger messages that tell the downstream
// pipeline stage a run's packages are ready for pickup.
//
// Delivery is at-least-once: the monitor marks a run processed only after a
// successful publish, so a crash between publish and mark replays the trigger
// on the next tick. Consumers deduplicate by runId. Triggers are keyed by
// runId so replays for the same run land on the same partition in order.
//
// Two producers are provided: KafkaProducer for real deployments and
// LogProducer for broker-less ones (single-node evaluation, CI), which writes
// each trigger to the structured log instead.
package handoff

import "time"

// MessageTypeStageTrigger is the type discriminator carried by every stage
// trigger. Consumers route on it; no other message type is produced today.
const MessageTypeStageTrigger = "stage_trigger"

// TriggerMessage is the wire contract for one stage handoff.
type TriggerMessage struct {
	// RunID identifies the finished run whose packages are ready.
	RunID string `json:"runId"`

	// Timestamp is when the monitor made the handoff decision.
	Timestamp time.Time `json:"timestamp"`

	// Type is always MessageTypeStageTrigger.
	Type string `json:"type"`

	// Partial is true when the run was handed off below full completion
	// (threshold partial or mixed outcomes), so the next stage can decide
	// whether to proceed with an incomplete KPI set.
	Partial bool `json:"partial"`
}

// NewTriggerMessage builds the stage trigger for a finished run. The
// timestamp is normalized to UTC so the payload does not leak the producer's
// local zone.
func NewTriggerMessage(runID string, at time.Time, partial bool) TriggerMessage {
	return TriggerMessage{
		RunID:     runID,
		Timestamp: at.UTC(),
		Type:      MessageTypeStageTrigger,
		Partial:   partial,
	}
}
