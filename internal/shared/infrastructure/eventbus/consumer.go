package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/google/uuid"
)

// EventConsumer handles specific event types.
type EventConsumer interface {
	// EventTypes returns the routing keys this consumer handles,
	// e.g. ["subscription.activated", "referral.registered"].
	EventTypes() []string

	// Handle processes the event. Delivery is at-least-once, so handlers
	// must tolerate replays.
	Handle(ctx context.Context, event *ConsumedEvent) error
}

// ConsumedEvent represents an event received from the message bus.
type ConsumedEvent struct {
	EventID       uuid.UUID       `json:"event_id"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	RoutingKey    string          `json:"routing_key"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      EventMetadata   `json:"metadata,omitempty"`
}

// EventMetadata contains optional metadata about the event.
type EventMetadata struct {
	UserID        int64  `json:"user_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
}

// MetadataFromDomain converts domain event metadata into its wire form.
func MetadataFromDomain(m domain.EventMetadata) EventMetadata {
	out := EventMetadata{UserID: m.UserID}
	if m.CorrelationID != uuid.Nil {
		out.CorrelationID = m.CorrelationID.String()
	}
	if m.CausationID != uuid.Nil {
		out.CausationID = m.CausationID.String()
	}
	return out
}

// Domain converts wire metadata back, ignoring ids that do not parse.
func (m EventMetadata) Domain() domain.EventMetadata {
	out := domain.EventMetadata{UserID: m.UserID}
	out.CorrelationID, _ = uuid.Parse(m.CorrelationID)
	out.CausationID, _ = uuid.Parse(m.CausationID)
	return out
}

// Decode unmarshals the event payload into v.
func (e *ConsumedEvent) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.RoutingKey, err)
	}
	return nil
}

// Consumer defines the interface for consuming events from a message broker.
type Consumer interface {
	// Start begins consuming messages. This is a blocking call.
	Start(ctx context.Context) error

	// RegisterConsumer registers an event consumer.
	RegisterConsumer(consumer EventConsumer)

	// Close closes the consumer connection.
	Close() error
}
