package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/chainflow/internal/store"
)

// StreamEvent is an execution event delivered to live subscribers after it
// has been written to the event log.
type StreamEvent struct {
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	EventType   string          `json:"event_type"`
	Sequence    int64           `json:"sequence"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// FromStoreEvent converts a persisted event.
func FromStoreEvent(ev *store.Event) StreamEvent {
	return StreamEvent{
		ExecutionID: ev.ExecutionID,
		StepID:      ev.StepID,
		EventType:   ev.Type,
		Sequence:    ev.Sequence,
		Payload:     ev.Payload,
		Timestamp:   ev.Timestamp,
	}
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for live execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
