// Package application turns domain events into user notifications.
package application

import (
	"context"
	"log/slog"
)

// Kind classifies a notification.
type Kind string

const (
	KindActivated      Kind = "activated"
	KindRenewed        Kind = "renewed"
	KindExtended       Kind = "extended"
	KindExpired        Kind = "expired"
	KindRenewalFailed  Kind = "renewal_failed"
	KindDeactivated    Kind = "deactivated"
	KindReferralReward Kind = "referral_reward"
	KindPaymentFailed  Kind = "payment_failed"
)

// Message is one notification for a user.
type Message struct {
	Kind Kind
	Text string
}

// Notifier delivers messages to users. Delivery failures are reported but a
// user who blocked the bot is not an error worth retrying.
type Notifier interface {
	Notify(ctx context.Context, userID int64, msg Message) error
}

// LogNotifier writes notifications to the log. It stands in for the chat
// transport, which lives outside this service.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the message.
func (n *LogNotifier) Notify(_ context.Context, userID int64, msg Message) error {
	n.logger.Info("user notification", "user_id", userID, "kind", msg.Kind, "text", msg.Text)
	return nil
}
