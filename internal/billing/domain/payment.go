package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AggregateType names payment aggregates in events and the outbox.
const AggregateType = "Payment"

var (
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrEmptyGatewayID     = errors.New("gateway payment id is required")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidCurrency    = errors.New("currency must be a 3-letter code")
	ErrInvalidUser        = errors.New("user id must be positive")
	ErrNoPendingPayment   = errors.New("no pending payment for user")
	ErrInstrumentRequired = errors.New("stored payment instrument is required")
)

// Status is the payment status. Non-pending statuses are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusCanceled  Status = "canceled"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusCanceled
}

// Kind distinguishes user-initiated purchases from off-session renewals.
type Kind string

const (
	KindPurchase Kind = "purchase"
	KindRenewal  Kind = "renewal"
)

// Money is an amount in minor units.
type Money struct {
	Amount   int64
	Currency string
}

// NewMoney validates and builds a Money value.
func NewMoney(amount int64, currency string) (Money, error) {
	if amount <= 0 {
		return Money{}, ErrInvalidAmount
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return Money{}, ErrInvalidCurrency
	}
	return Money{Amount: amount, Currency: currency}, nil
}

// Decimal formats the amount with two decimals, e.g. 29900 -> "299.00".
func (m Money) Decimal() string {
	sign := ""
	amount := m.Amount
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

func (m Money) String() string {
	return m.Decimal() + " " + m.Currency
}

// Payment is the ledger record of one gateway charge.
type Payment struct {
	ID               uuid.UUID
	UserID           int64
	GatewayPaymentID string
	Money            Money
	Kind             Kind
	Status           Status
	SubscriptionID   uuid.NullUUID
	InstrumentRef    string
	ClaimedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewPayment creates a pending payment.
func NewPayment(userID int64, gatewayPaymentID string, money Money, kind Kind, now time.Time) (*Payment, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}
	gatewayPaymentID = strings.TrimSpace(gatewayPaymentID)
	if gatewayPaymentID == "" {
		return nil, ErrEmptyGatewayID
	}
	if money.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if kind == "" {
		kind = KindPurchase
	}
	now = now.UTC()
	return &Payment{
		ID:               uuid.New(),
		UserID:           userID,
		GatewayPaymentID: gatewayPaymentID,
		Money:            money,
		Kind:             kind,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// IsSucceeded reports whether the payment has been applied.
func (p *Payment) IsSucceeded() bool {
	return p.Status == StatusSucceeded
}
