package application

import (
	"context"
	"testing"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (w *world) checkout() *Checkout {
	return NewCheckout(w.subs, w.payments, w.gateway, w.sessions, w.reconciler, CheckoutConfig{
		Price:     planPrice,
		PlanName:  "VPN 30 days",
		ReturnURL: "https://bot.test/payment/success",
	}, quietLogger())
}

func TestCheckout_FirstPurchaseAsksToSaveInstrument(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	res, err := w.checkout().Start(ctx, 20)
	require.NoError(t, err)

	assert.Equal(t, ScenarioFirstPurchase, res.Scenario)
	assert.Equal(t, domain.ChargePending, res.Status)
	assert.NotEmpty(t, res.RedirectURL)
	assert.Nil(t, res.Reconciled)

	require.Len(t, w.gateway.Requests, 1)
	req := w.gateway.Requests[0]
	assert.True(t, req.SaveInstrument)
	assert.Equal(t, "sbp", req.Method)
	assert.Equal(t, "20", req.Metadata["user_id"])
	assert.NotEmpty(t, req.IdempotencyKey)

	p := w.payment(t, res.GatewayPaymentID)
	assert.Equal(t, domain.StatusPending, p.Status)
	assert.Equal(t, domain.KindPurchase, p.Kind)

	id, err := w.sessions.Get(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, res.GatewayPaymentID, id)
}

func TestCheckout_ExistingSubscriptionWithoutInstrumentRedirects(t *testing.T) {
	w := newWorld(t)
	w.subscribed(t, 21, time.Now().Add(3*24*time.Hour), "")

	res, err := w.checkout().Start(context.Background(), 21)
	require.NoError(t, err)

	assert.Equal(t, ScenarioRedirect, res.Scenario)
	require.Len(t, w.gateway.Requests, 1)
	assert.False(t, w.gateway.Requests[0].SaveInstrument)
	assert.Empty(t, w.gateway.StoredRequests)
}

func TestCheckout_StoredInstrumentAppliesImmediately(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	before := w.subscribed(t, 22, time.Now().Add(3*24*time.Hour), "pm-saved")
	w.gateway.NextStatus = domain.ChargeSucceeded

	res, err := w.checkout().Start(ctx, 22)
	require.NoError(t, err)

	assert.Equal(t, ScenarioStoredInstrument, res.Scenario)
	assert.Empty(t, res.RedirectURL)
	require.NotNil(t, res.Reconciled)
	assert.Equal(t, OutcomeApplied, res.Reconciled.Outcome)

	require.Len(t, w.gateway.StoredRequests, 1)
	assert.Equal(t, "pm-saved", w.gateway.StoredRequests[0].InstrumentRef)

	after := w.subscription(t, 22)
	assert.WithinDuration(t, before.ExpiresAt.Add(planDays*24*time.Hour), after.ExpiresAt, time.Second)

	_, err = w.sessions.Get(ctx, 22)
	assert.ErrorIs(t, err, domain.ErrNoPendingPayment)
}

func TestCheckout_RejectsInvalidUser(t *testing.T) {
	w := newWorld(t)

	_, err := w.checkout().Start(context.Background(), 0)
	assert.ErrorIs(t, err, domain.ErrInvalidUser)
	assert.Zero(t, w.gateway.Charges())
}

func TestCheckout_CheckFollowsGatewayState(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	checkout := w.checkout()

	_, err := checkout.Check(ctx, 23)
	assert.ErrorIs(t, err, domain.ErrNoPendingPayment)

	started, err := checkout.Start(ctx, 23)
	require.NoError(t, err)

	check, err := checkout.Check(ctx, 23)
	require.NoError(t, err)
	assert.Equal(t, CheckPending, check.State)
	assert.Equal(t, 0, w.panel.Mutations())

	w.gateway.SetStatus(started.GatewayPaymentID, domain.ChargeSucceeded, true)
	check, err = checkout.Check(ctx, 23)
	require.NoError(t, err)
	assert.Equal(t, CheckSucceeded, check.State)
	require.NotNil(t, check.Reconciled)
	assert.Equal(t, OutcomeApplied, check.Reconciled.Outcome)

	sub := w.subscription(t, 23)
	assert.True(t, sub.IsActive)
	assert.Equal(t, "pm-"+started.GatewayPaymentID, sub.PaymentInstrumentRef)

	_, err = checkout.Check(ctx, 23)
	assert.ErrorIs(t, err, domain.ErrNoPendingPayment)
}

func TestCheckout_CheckCanceledPayment(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	checkout := w.checkout()

	started, err := checkout.Start(ctx, 24)
	require.NoError(t, err)
	w.gateway.SetStatus(started.GatewayPaymentID, domain.ChargeCanceled, false)

	check, err := checkout.Check(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, CheckCanceled, check.State)
	assert.Equal(t, domain.StatusCanceled, w.payment(t, started.GatewayPaymentID).Status)
	assert.Equal(t, 0, w.panel.Mutations())
}

func TestCheckout_HistoryNewestFirst(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	checkout := w.checkout()

	first, err := checkout.Start(ctx, 25)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	second, err := checkout.Start(ctx, 25)
	require.NoError(t, err)

	payments, err := checkout.History(ctx, 25, 0)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, second.GatewayPaymentID, payments[0].GatewayPaymentID)
	assert.Equal(t, first.GatewayPaymentID, payments[1].GatewayPaymentID)
}
