package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMoney(t *testing.T) {
	m, err := NewMoney(29900, " rub ")
	require.NoError(t, err)
	assert.Equal(t, Money{Amount: 29900, Currency: "RUB"}, m)
	assert.Equal(t, "299.00", m.Decimal())
	assert.Equal(t, "299.00 RUB", m.String())

	_, err = NewMoney(0, "RUB")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = NewMoney(100, "RUBLE")
	assert.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestMoney_DecimalPadsCents(t *testing.T) {
	assert.Equal(t, "1.05", Money{Amount: 105}.Decimal())
	assert.Equal(t, "0.99", Money{Amount: 99}.Decimal())
}

func TestNewPayment(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.FixedZone("MSK", 3*3600))
	p, err := NewPayment(5, " gw-1 ", Money{Amount: 29900, Currency: "RUB"}, "", now)
	require.NoError(t, err)

	assert.Equal(t, "gw-1", p.GatewayPaymentID)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, KindPurchase, p.Kind)
	assert.Equal(t, time.UTC, p.CreatedAt.Location())
	assert.False(t, p.SubscriptionID.Valid)
	assert.False(t, p.IsSucceeded())
}

func TestNewPayment_Validation(t *testing.T) {
	money := Money{Amount: 100, Currency: "RUB"}

	_, err := NewPayment(0, "gw", money, KindPurchase, time.Now())
	assert.ErrorIs(t, err, ErrInvalidUser)
	_, err = NewPayment(1, "  ", money, KindPurchase, time.Now())
	assert.ErrorIs(t, err, ErrEmptyGatewayID)
	_, err = NewPayment(1, "gw", Money{Currency: "RUB"}, KindPurchase, time.Now())
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestStatusAndCharge(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.True(t, StatusSucceeded.IsTerminal())
	assert.True(t, StatusCanceled.IsTerminal())

	assert.True(t, ChargeSucceeded.IsFinal())
	assert.False(t, ChargeWaitingForCapture.IsFinal())

	unconfirmed := &Charge{InstrumentRef: "pm_1"}
	assert.Empty(t, unconfirmed.ConfirmedInstrument())
	confirmed := &Charge{InstrumentRef: "pm_1", InstrumentConfirmed: true}
	assert.Equal(t, "pm_1", confirmed.ConfirmedInstrument())
	var none *Charge
	assert.Empty(t, none.ConfirmedInstrument())
}
