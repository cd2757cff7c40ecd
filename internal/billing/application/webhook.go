package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/felixgeelhaar/tunnelgate/pkg/observability"
)

// WebhookOutcome is how a gateway notification was handled.
type WebhookOutcome string

const (
	WebhookApplied  WebhookOutcome = "applied"
	WebhookNoop     WebhookOutcome = "noop"
	WebhookUnknown  WebhookOutcome = "unknown_payment"
	WebhookIgnored  WebhookOutcome = "ignored"
	WebhookCanceled WebhookOutcome = "canceled"
)

// WebhookHandler acts on payment.succeeded and payment.canceled and
// acknowledges everything else. Deliveries may repeat or arrive out of
// order; the reconciler makes repeats harmless.
type WebhookHandler struct {
	reconciler *Reconciler
	logger     *slog.Logger
	metrics    observability.Metrics
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(reconciler *Reconciler, logger *slog.Logger, metrics observability.Metrics) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &WebhookHandler{reconciler: reconciler, logger: logger, metrics: metrics}
}

// Handle processes one notification. A notification without a payment id
// is a validation error; an unknown payment is acknowledged with a warning.
func (h *WebhookHandler) Handle(ctx context.Context, n domain.Notification) (outcome WebhookOutcome, err error) {
	defer func() {
		tag := string(outcome)
		if err != nil {
			tag = "error"
		}
		h.metrics.Counter(observability.MetricWebhookEvents, 1,
			observability.T("event", n.Event),
			observability.T("outcome", tag),
		)
	}()

	switch n.Event {
	case domain.NotificationPaymentSucceeded, domain.NotificationPaymentCanceled:
	default:
		return WebhookIgnored, nil
	}
	if n.Charge.ID == "" {
		return "", sharedDomain.ValidationError("webhook "+n.Event, domain.ErrEmptyGatewayID)
	}

	if n.Event == domain.NotificationPaymentCanceled {
		canceled, err := h.reconciler.OnPaymentCanceled(ctx, n.Charge.ID)
		if errors.Is(err, domain.ErrPaymentNotFound) {
			h.logger.Warn("unknown payment in webhook", "event", n.Event, "payment_id", n.Charge.ID)
			return WebhookUnknown, nil
		}
		if err != nil {
			return "", err
		}
		if !canceled {
			return WebhookNoop, nil
		}
		return WebhookCanceled, nil
	}

	result, err := h.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{
		GatewayPaymentID: n.Charge.ID,
		InstrumentRef:    n.Charge.ConfirmedInstrument(),
	})
	if errors.Is(err, domain.ErrPaymentNotFound) {
		h.logger.Warn("unknown payment in webhook", "event", n.Event, "payment_id", n.Charge.ID)
		return WebhookUnknown, nil
	}
	if err != nil {
		return "", err
	}
	if result.Outcome != OutcomeApplied {
		return WebhookNoop, nil
	}
	return WebhookApplied, nil
}
