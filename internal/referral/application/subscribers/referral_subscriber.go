package subscribers

import (
	"context"
	"log/slog"

	"github.com/felixgeelhaar/tunnelgate/internal/referral/application"
	"github.com/felixgeelhaar/tunnelgate/internal/referral/domain"
	sharedApplication "github.com/felixgeelhaar/tunnelgate/internal/shared/application"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/eventbus"
)

// Rewarder grants referral bonuses.
type Rewarder interface {
	Reward(ctx context.Context, referredID int64) (*application.RewardResult, error)
}

// RewardSubscriber grants the referrer's bonus when referral.registered is
// delivered. Errors are returned so the bus redelivers; replays after a
// successful reward are no-ops.
type RewardSubscriber struct {
	rewarder Rewarder
	logger   *slog.Logger
}

// NewRewardSubscriber creates a RewardSubscriber.
func NewRewardSubscriber(rewarder Rewarder, logger *slog.Logger) *RewardSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &RewardSubscriber{rewarder: rewarder, logger: logger}
}

// EventTypes returns the event types this subscriber handles.
func (s *RewardSubscriber) EventTypes() []string {
	return []string{domain.RoutingKeyRegistered}
}

type registeredPayload struct {
	ReferrerID int64 `json:"referrer_id"`
	ReferredID int64 `json:"referred_id"`
}

// Handle processes a referral.registered event.
func (s *RewardSubscriber) Handle(ctx context.Context, event *eventbus.ConsumedEvent) error {
	var payload registeredPayload
	if err := event.Decode(&payload); err != nil {
		s.logger.Error("dropping malformed referral event", "event_id", event.EventID, "error", err)
		return nil
	}
	if payload.ReferredID <= 0 {
		s.logger.Error("dropping referral event without referred user", "event_id", event.EventID)
		return nil
	}

	ctx = sharedApplication.WithParentEvent(ctx, event.Metadata.Domain(), event.EventID)
	result, err := s.rewarder.Reward(ctx, payload.ReferredID)
	if err != nil {
		return err
	}
	s.logger.Debug("referral event handled",
		"event_id", event.EventID,
		"user_id", payload.ReferredID,
		"outcome", result.Outcome,
	)
	return nil
}
