package outbox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/eventbus"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type extendedEvent struct {
	domain.BaseEvent
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newExtendedEvent(aggregateID uuid.UUID) *extendedEvent {
	return &extendedEvent{
		BaseEvent: domain.NewBaseEvent(aggregateID, "Subscription", "subscription.extended"),
		UserID:    1001,
		ExpiresAt: time.Date(2026, 11, 15, 0, 0, 0, 0, time.UTC),
	}
}

func TestNewMessage(t *testing.T) {
	aggregateID := uuid.New()
	event := newExtendedEvent(aggregateID)
	event.SetMetadata(domain.EventMetadata{CorrelationID: uuid.New(), CausationID: uuid.New(), UserID: 1001})

	msg, err := NewMessage(event)

	require.NoError(t, err)
	assert.Equal(t, event.EventID(), msg.EventID)
	assert.Equal(t, "Subscription", msg.AggregateType)
	assert.Equal(t, aggregateID, msg.AggregateID)
	assert.Equal(t, "subscription.extended", msg.EventType)
	assert.Equal(t, "subscription.extended", msg.RoutingKey)
	assert.JSONEq(t, `{"user_id":1001,"expires_at":"2026-11-15T00:00:00Z"}`, string(msg.Payload))
	assert.Contains(t, string(msg.Metadata), event.Metadata().CorrelationID.String())
	assert.Equal(t, event.OccurredAt(), msg.CreatedAt)
	assert.Zero(t, msg.ID)
	assert.False(t, msg.IsPublished())
}

func TestNewMessages(t *testing.T) {
	msgs, err := NewMessages([]domain.DomainEvent{newExtendedEvent(uuid.New()), newExtendedEvent(uuid.New())})

	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.NotEqual(t, msgs[0].EventID, msgs[1].EventID)
}

func TestMessage_Envelope(t *testing.T) {
	event := newExtendedEvent(uuid.New())
	metadata := domain.EventMetadata{CorrelationID: uuid.New(), CausationID: uuid.New(), UserID: 1001}
	event.SetMetadata(metadata)
	msg, err := NewMessage(event)
	require.NoError(t, err)

	body, err := msg.Envelope()
	require.NoError(t, err)

	var consumed eventbus.ConsumedEvent
	require.NoError(t, json.Unmarshal(body, &consumed))
	assert.Equal(t, event.EventID(), consumed.EventID)
	assert.Equal(t, "subscription.extended", consumed.RoutingKey)
	assert.Equal(t, int64(1001), consumed.Metadata.UserID)
	assert.Equal(t, metadata.CorrelationID.String(), consumed.Metadata.CorrelationID)
	assert.JSONEq(t, string(msg.Payload), string(consumed.Payload))
}

func TestMessage_EnvelopeRejectsCorruptMetadata(t *testing.T) {
	msg := &Message{EventID: uuid.New(), Payload: json.RawMessage(`{}`), Metadata: json.RawMessage(`not-json`)}

	_, err := msg.Envelope()

	assert.Error(t, err)
}

func TestMessage_CanRetry(t *testing.T) {
	tests := []struct {
		retryCount int
		maxRetries int
		want       bool
	}{
		{retryCount: 0, maxRetries: 3, want: true},
		{retryCount: 2, maxRetries: 3, want: true},
		{retryCount: 3, maxRetries: 3, want: false},
		{retryCount: 0, maxRetries: 0, want: false},
	}

	for _, tt := range tests {
		msg := &Message{RetryCount: tt.retryCount}
		assert.Equal(t, tt.want, msg.CanRetry(tt.maxRetries), "retry %d of %d", tt.retryCount, tt.maxRetries)
	}
}
