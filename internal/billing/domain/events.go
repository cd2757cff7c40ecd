package domain

import (
	"time"

	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
)

const RoutingKeyCanceled = "payment.canceled"

// PaymentCanceled is emitted when a pending payment is canceled by the gateway.
type PaymentCanceled struct {
	sharedDomain.BaseEvent
	UserID           int64  `json:"user_id"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	Amount           string `json:"amount"`
	Kind             Kind   `json:"kind"`
}

// NewPaymentCanceled creates a PaymentCanceled event.
func NewPaymentCanceled(p *Payment, at time.Time) *PaymentCanceled {
	return &PaymentCanceled{
		BaseEvent:        sharedDomain.NewBaseEventAt(p.ID, AggregateType, RoutingKeyCanceled, at),
		UserID:           p.UserID,
		GatewayPaymentID: p.GatewayPaymentID,
		Amount:           p.Money.String(),
		Kind:             p.Kind,
	}
}
