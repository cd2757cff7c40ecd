package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	provisioning "github.com/felixgeelhaar/tunnelgate/internal/provisioning/domain"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	subscription "github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
	"github.com/felixgeelhaar/tunnelgate/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (w *world) renewal(grace time.Duration) *RenewalScheduler {
	return NewRenewalScheduler(w.subs, w.payments, w.gateway, w.reconciler, w.deactivate, RenewalConfig{
		Price:        planPrice,
		Description:  "VPN renewal",
		Lookahead:    24 * time.Hour,
		PendingGrace: grace,
		Concurrency:  2,
	}, quietLogger(), w.metrics)
}

func TestRenewalScheduler_SuccessfulChargeExtends(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	before := w.subscribed(t, 40, time.Now().Add(12*time.Hour), "pm-40")
	w.subscribed(t, 41, time.Now().Add(10*24*time.Hour), "pm-41")
	w.gateway.NextStatus = domain.ChargeSucceeded

	res, err := w.renewal(0).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Due)
	assert.Equal(t, 1, res.Renewed)

	require.Len(t, w.gateway.StoredRequests, 1)
	req := w.gateway.StoredRequests[0]
	assert.Equal(t, "pm-40", req.InstrumentRef)
	assert.Equal(t, "40", req.Metadata["user_id"])
	assert.Equal(t, string(domain.KindRenewal), req.Metadata["kind"])

	after := w.subscription(t, 40)
	assert.WithinDuration(t, before.ExpiresAt.Add(planDays*24*time.Hour), after.ExpiresAt, time.Second)

	payments, err := w.payments.ListByUser(ctx, 40, 10)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, domain.KindRenewal, payments[0].Kind)
	assert.Equal(t, domain.StatusSucceeded, payments[0].Status)

	assert.Equal(t, int64(1), w.metrics.GetCounter(observability.MetricRenewalAttempts, observability.T("result", "renewed")))
}

func TestRenewalScheduler_DeclineDeactivatesOnce(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.subscribed(t, 42, time.Now().Add(6*time.Hour), "pm-42")
	w.gateway.NextStatus = domain.ChargeCanceled
	scheduler := w.renewal(0)

	res, err := scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deactivated)

	sub := w.subscription(t, 42)
	assert.False(t, sub.IsActive)
	account, _ := w.panel.Account(provisioning.AccountName(42))
	assert.Equal(t, provisioning.AccountDisabled, account.Status)

	res, err = scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due)
	assert.Len(t, w.gateway.StoredRequests, 1)

	deactivations := 0
	for _, e := range w.history(t, 42) {
		if e.Change == subscription.ChangeDeactivated {
			deactivations++
		}
	}
	assert.Equal(t, 1, deactivations)
	assert.Contains(t, w.routingKeys(t), domain.RoutingKeyCanceled)
}

func TestRenewalScheduler_RejectedInstrumentDeactivates(t *testing.T) {
	w := newWorld(t)
	w.subscribed(t, 43, time.Now().Add(time.Hour), "pm-43")
	w.gateway.FailCharge = sharedDomain.ValidationError("charge stored instrument", errors.New("payment method revoked"))

	res, err := w.renewal(0).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deactivated)
	assert.False(t, w.subscription(t, 43).IsActive)
}

func TestRenewalScheduler_TransportErrorKeepsSubscription(t *testing.T) {
	w := newWorld(t)
	w.subscribed(t, 44, time.Now().Add(time.Hour), "pm-44")
	w.gateway.FailCharge = sharedDomain.TransportError("charge stored instrument", errors.New("gateway unavailable"))

	res, err := w.renewal(0).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Deactivated)
	assert.True(t, w.subscription(t, 44).IsActive)
}

func TestRenewalScheduler_PendingChargeIsNotRepeatedWithinGrace(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.subscribed(t, 45, time.Now().Add(time.Hour), "pm-45")
	scheduler := w.renewal(time.Hour)

	res, err := scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pending)

	res, err = scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due)
	assert.Len(t, w.gateway.StoredRequests, 1)
	assert.True(t, w.subscription(t, 45).IsActive)
}

func TestRenewalScheduler_SkipsWithoutAutoRenew(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.subscribed(t, 46, time.Now().Add(time.Hour), "pm-46")
	require.NoError(t, w.subs.SetAutoRenew(ctx, 46, false))

	res, err := w.renewal(0).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due)
	assert.Empty(t, w.gateway.StoredRequests)
}

func TestPendingSweeper_SettlesStalePayments(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	checkout := w.checkout()

	paid, err := checkout.Start(ctx, 50)
	require.NoError(t, err)
	declined, err := checkout.Start(ctx, 51)
	require.NoError(t, err)
	_, err = checkout.Start(ctx, 52)
	require.NoError(t, err)

	w.gateway.SetStatus(paid.GatewayPaymentID, domain.ChargeSucceeded, false)
	w.gateway.SetStatus(declined.GatewayPaymentID, domain.ChargeCanceled, false)

	sweeper := NewPendingSweeper(w.payments, w.gateway, w.reconciler, time.Minute, quietLogger())
	sweeper.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	res, err := sweeper.Sweep(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Checked)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Canceled)
	assert.Equal(t, 1, res.Pending)

	assert.True(t, w.subscription(t, 50).IsActive)
	assert.Equal(t, domain.StatusCanceled, w.payment(t, declined.GatewayPaymentID).Status)

	fresh := NewPendingSweeper(w.payments, w.gateway, w.reconciler, time.Minute, quietLogger())
	res, err = fresh.Sweep(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Checked)
}
