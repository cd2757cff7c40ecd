package application

import (
	"context"

	"github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/google/uuid"
)

type metadataSetter interface {
	SetMetadata(metadata domain.EventMetadata)
}

// NewEventMetadata creates operation-scoped metadata for domain events.
func NewEventMetadata(userID int64) domain.EventMetadata {
	return domain.EventMetadata{
		CorrelationID: uuid.New(),
		CausationID:   uuid.New(),
		UserID:        userID,
	}
}

// CausedBy creates metadata for events emitted while handling another event.
// The correlation id is carried over so a whole chain can be traced.
func CausedBy(parent domain.EventMetadata, causationID uuid.UUID, userID int64) domain.EventMetadata {
	correlationID := parent.CorrelationID
	if correlationID == uuid.Nil {
		correlationID = uuid.New()
	}
	return domain.EventMetadata{
		CorrelationID: correlationID,
		CausationID:   causationID,
		UserID:        userID,
	}
}

type parentEventKey struct{}

type parentEvent struct {
	metadata domain.EventMetadata
	eventID  uuid.UUID
}

// WithParentEvent marks ctx as handling the event with the given id and
// metadata. Events raised under ctx are chained to it by MetadataFromContext.
func WithParentEvent(ctx context.Context, metadata domain.EventMetadata, eventID uuid.UUID) context.Context {
	return context.WithValue(ctx, parentEventKey{}, parentEvent{metadata: metadata, eventID: eventID})
}

// MetadataFromContext returns metadata caused by the parent event in ctx,
// or fresh metadata when ctx carries none.
func MetadataFromContext(ctx context.Context, userID int64) domain.EventMetadata {
	if parent, ok := ctx.Value(parentEventKey{}).(parentEvent); ok {
		return CausedBy(parent.metadata, parent.eventID, userID)
	}
	return NewEventMetadata(userID)
}

// ApplyEventMetadata sets metadata on all events that support it.
func ApplyEventMetadata(events []domain.DomainEvent, metadata domain.EventMetadata) {
	for _, event := range events {
		if setter, ok := event.(metadataSetter); ok {
			setter.SetMetadata(metadata)
		}
	}
}
