package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	billing "github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	referral "github.com/felixgeelhaar/tunnelgate/internal/referral/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/eventbus"
	subscription "github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
	"github.com/felixgeelhaar/tunnelgate/pkg/observability"
)

const dateLayout = "02.01.2006"

// Subscriber maps user-facing domain events to notifications. Notification
// failures are logged and swallowed so a blocked chat never stalls the bus.
type Subscriber struct {
	notifier Notifier
	logger   *slog.Logger
	metrics  observability.Metrics
}

// NewSubscriber creates a notification Subscriber.
func NewSubscriber(notifier Notifier, logger *slog.Logger, metrics observability.Metrics) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Subscriber{notifier: notifier, logger: logger, metrics: metrics}
}

// EventTypes returns the event types this subscriber handles.
func (s *Subscriber) EventTypes() []string {
	return []string{
		subscription.RoutingKeyActivated,
		subscription.RoutingKeyExtended,
		subscription.RoutingKeyDeactivated,
		referral.RoutingKeyRewarded,
		billing.RoutingKeyCanceled,
	}
}

type activatedPayload struct {
	UserID      int64     `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	Days        int       `json:"days"`
	Reactivated bool      `json:"reactivated"`
	Reason      string    `json:"reason"`
}

type extendedPayload struct {
	UserID             int64     `json:"user_id"`
	ExpiresAt          time.Time `json:"expires_at"`
	Days               int       `json:"days"`
	Reason             string    `json:"reason"`
	ProvisioningFailed bool      `json:"provisioning_failed"`
}

type deactivatedPayload struct {
	UserID int64  `json:"user_id"`
	Reason string `json:"reason"`
}

type rewardedPayload struct {
	ReferrerID int64 `json:"referrer_id"`
	Days       int   `json:"days"`
}

type canceledPayload struct {
	UserID int64        `json:"user_id"`
	Kind   billing.Kind `json:"kind"`
}

// Handle processes one event.
func (s *Subscriber) Handle(ctx context.Context, event *eventbus.ConsumedEvent) error {
	userID, msg, ok, err := s.message(event)
	if err != nil {
		s.logger.Error("dropping undecodable event", "routing_key", event.RoutingKey, "event_id", event.EventID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	if err := s.notifier.Notify(ctx, userID, msg); err != nil {
		s.metrics.Counter(observability.MetricNotifications, 1, observability.T("kind", string(msg.Kind)), observability.T("result", "failed"))
		s.logger.Warn("notification not delivered", "user_id", userID, "kind", msg.Kind, "error", err)
		return nil
	}
	s.metrics.Counter(observability.MetricNotifications, 1, observability.T("kind", string(msg.Kind)), observability.T("result", "sent"))
	return nil
}

func (s *Subscriber) message(event *eventbus.ConsumedEvent) (int64, Message, bool, error) {
	switch event.RoutingKey {
	case subscription.RoutingKeyActivated:
		var p activatedPayload
		if err := event.Decode(&p); err != nil {
			return 0, Message{}, false, err
		}
		if p.Reason == subscription.ReasonReferral {
			return 0, Message{}, false, nil
		}
		text := fmt.Sprintf("Payment confirmed. Your subscription is active until %s.", p.ExpiresAt.Format(dateLayout))
		if p.Reason == subscription.ReasonGift {
			text = fmt.Sprintf("Welcome! Here are %d free days, active until %s.", p.Days, p.ExpiresAt.Format(dateLayout))
		}
		return p.UserID, Message{Kind: KindActivated, Text: text}, true, nil

	case subscription.RoutingKeyExtended:
		var p extendedPayload
		if err := event.Decode(&p); err != nil {
			return 0, Message{}, false, err
		}
		if p.Reason == subscription.ReasonReferral {
			return 0, Message{}, false, nil
		}
		msg := Message{Kind: KindExtended, Text: fmt.Sprintf("Subscription extended by %d days, until %s.", p.Days, p.ExpiresAt.Format(dateLayout))}
		if p.Reason == subscription.ReasonRenewal {
			msg = Message{Kind: KindRenewed, Text: fmt.Sprintf("Subscription renewed automatically until %s.", p.ExpiresAt.Format(dateLayout))}
		}
		if p.ProvisioningFailed {
			msg.Text += " Access is being updated and may take a few minutes."
		}
		return p.UserID, msg, true, nil

	case subscription.RoutingKeyDeactivated:
		var p deactivatedPayload
		if err := event.Decode(&p); err != nil {
			return 0, Message{}, false, err
		}
		switch p.Reason {
		case subscription.ReasonExpired:
			return p.UserID, Message{Kind: KindExpired, Text: "Your subscription has expired. Press /start to renew."}, true, nil
		case subscription.ReasonRenewalFailed:
			return p.UserID, Message{Kind: KindRenewalFailed, Text: "Automatic renewal failed. Please renew manually from your account."}, true, nil
		default:
			return p.UserID, Message{Kind: KindDeactivated, Text: "Your subscription has been switched off."}, true, nil
		}

	case referral.RoutingKeyRewarded:
		var p rewardedPayload
		if err := event.Decode(&p); err != nil {
			return 0, Message{}, false, err
		}
		return p.ReferrerID, Message{Kind: KindReferralReward, Text: fmt.Sprintf("A friend joined with your link. You received %d bonus days.", p.Days)}, true, nil

	case billing.RoutingKeyCanceled:
		var p canceledPayload
		if err := event.Decode(&p); err != nil {
			return 0, Message{}, false, err
		}
		if p.Kind == billing.KindRenewal {
			return 0, Message{}, false, nil
		}
		return p.UserID, Message{Kind: KindPaymentFailed, Text: "The payment did not go through. You can try again from the menu."}, true, nil
	}
	return 0, Message{}, false, nil
}
