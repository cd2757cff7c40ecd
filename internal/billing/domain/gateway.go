package domain

import "context"

// ChargeStatus is the gateway's view of a charge.
type ChargeStatus string

const (
	ChargePending           ChargeStatus = "pending"
	ChargeWaitingForCapture ChargeStatus = "waiting_for_capture"
	ChargeSucceeded         ChargeStatus = "succeeded"
	ChargeCanceled          ChargeStatus = "canceled"
)

// IsFinal reports whether the charge will not change any more.
func (s ChargeStatus) IsFinal() bool {
	return s == ChargeSucceeded || s == ChargeCanceled
}

// ChargeRequest creates an interactive charge.
type ChargeRequest struct {
	Money       Money
	Method      string
	Description string
	ReturnURL   string
	// SaveInstrument asks the gateway to keep the method for off-session charges.
	SaveInstrument bool
	Metadata       map[string]string
	IdempotencyKey string
}

// StoredChargeRequest charges a saved instrument without the payer present.
type StoredChargeRequest struct {
	Money          Money
	InstrumentRef  string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Charge is what the gateway reports about a charge.
type Charge struct {
	ID          string
	Status      ChargeStatus
	RedirectURL string
	// InstrumentRef is usable for off-session charges only when
	// InstrumentConfirmed is true.
	InstrumentRef       string
	InstrumentConfirmed bool
	Metadata            map[string]string
	CancelReason        string
}

// ConfirmedInstrument returns the instrument ref if the gateway saved it.
func (c *Charge) ConfirmedInstrument() string {
	if c == nil || !c.InstrumentConfirmed {
		return ""
	}
	return c.InstrumentRef
}

// PaymentGateway moves money. Errors use the shared taxonomy.
type PaymentGateway interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	ChargeStoredInstrument(ctx context.Context, req StoredChargeRequest) (*Charge, error)
	GetCharge(ctx context.Context, id string) (*Charge, error)
}

// Gateway notification event types acted upon by the webhook.
const (
	NotificationPaymentSucceeded = "payment.succeeded"
	NotificationPaymentCanceled  = "payment.canceled"
)

// Notification is a decoded gateway webhook delivery. Deliveries are
// at-least-once and may arrive out of order.
type Notification struct {
	Event  string
	Charge Charge
}
