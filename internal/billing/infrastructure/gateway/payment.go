package gateway

import (
	"github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
)

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type methodData struct {
	Type string `json:"type"`
}

type paymentMethod struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Saved bool   `json:"saved"`
}

type cancellation struct {
	Party  string `json:"party"`
	Reason string `json:"reason"`
}

type createPaymentRequest struct {
	Amount            amount            `json:"amount"`
	Capture           bool              `json:"capture"`
	PaymentMethodData *methodData       `json:"payment_method_data,omitempty"`
	PaymentMethodID   string            `json:"payment_method_id,omitempty"`
	Confirmation      *confirmation     `json:"confirmation,omitempty"`
	SavePaymentMethod *bool             `json:"save_payment_method,omitempty"`
	Description       string            `json:"description,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type payment struct {
	ID                  string            `json:"id"`
	Status              string            `json:"status"`
	Paid                bool              `json:"paid"`
	Amount              amount            `json:"amount"`
	Confirmation        *confirmation     `json:"confirmation,omitempty"`
	PaymentMethod       *paymentMethod    `json:"payment_method,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CancellationDetails *cancellation     `json:"cancellation_details,omitempty"`
}

func toAmount(m domain.Money) amount {
	return amount{Value: m.Decimal(), Currency: m.Currency}
}

func (p payment) toCharge() *domain.Charge {
	charge := &domain.Charge{
		ID:       p.ID,
		Status:   domain.ChargeStatus(p.Status),
		Metadata: p.Metadata,
	}
	if p.Confirmation != nil {
		charge.RedirectURL = p.Confirmation.ConfirmationURL
	}
	if p.PaymentMethod != nil {
		charge.InstrumentRef = p.PaymentMethod.ID
		charge.InstrumentConfirmed = p.PaymentMethod.Saved && p.PaymentMethod.ID != ""
	}
	if p.CancellationDetails != nil {
		charge.CancelReason = p.CancellationDetails.Reason
	}
	return charge
}
