package application

import (
	"context"
	"errors"
	"sync"
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

func TestReconciler_FirstPaymentProvisionsThenRecords(t *testing.T) {
	w := newWorld(t)
	w.pending(t, 7, "pay-1", domain.KindPurchase)

	res, err := w.reconciler.OnPaymentSucceeded(context.Background(), PaymentSignal{GatewayPaymentID: "pay-1"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, subscription.CommandCreate, res.Kind)
	assert.NoError(t, res.ProvisioningErr)

	account, ok := w.panel.Account(provisioning.AccountName(7))
	require.True(t, ok)
	sub := w.subscription(t, 7)
	assert.True(t, sub.IsActive)
	assert.WithinDuration(t, account.ExpireAt, sub.ExpiresAt, time.Second)
	assert.Equal(t, account.SubscriptionURL, sub.ProvisioningURL)

	p := w.payment(t, "pay-1")
	assert.Equal(t, domain.StatusSucceeded, p.Status)
	assert.True(t, p.SubscriptionID.Valid)
	assert.Equal(t, sub.ID, p.SubscriptionID.UUID)
	assert.Nil(t, p.ClaimedAt)

	assert.Equal(t, int64(1), w.metrics.GetCounter(observability.MetricReconcileOutcomes, observability.T("outcome", "applied")))
}

func TestReconciler_DuplicateSignalsApplyExactlyOnce(t *testing.T) {
	w := newWorld(t)
	w.pending(t, 8, "pay-dup", domain.KindPurchase)

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := w.reconciler.OnPaymentSucceeded(context.Background(), PaymentSignal{GatewayPaymentID: "pay-dup"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeApplied])
	assert.Equal(t, callers-1, outcomes[OutcomeAlreadyProcessed]+outcomes[OutcomeInProgress])
	assert.Equal(t, 1, w.panel.Creates)
	assert.Equal(t, 0, w.panel.Updates)
	assert.Len(t, w.history(t, 8), 1)
	assert.Equal(t, []string{subscription.RoutingKeyActivated}, w.routingKeys(t))
}

func TestReconciler_RepeatAfterSuccessIsAlreadyProcessed(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.pending(t, 9, "pay-9", domain.KindPurchase)

	_, err := w.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{GatewayPaymentID: "pay-9"})
	require.NoError(t, err)
	first := w.subscription(t, 9)

	res, err := w.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{GatewayPaymentID: "pay-9"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, res.Outcome)
	assert.Equal(t, first.ExpiresAt, w.subscription(t, 9).ExpiresAt)
	assert.Equal(t, 1, w.panel.Mutations())
}

func TestReconciler_PanelFailureOnCreateKeepsPaymentRetryable(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.pending(t, 10, "pay-10", domain.KindPurchase)
	w.panel.FailCreate = sharedDomain.TransportError("create account", errors.New("connection refused"))

	_, err := w.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{GatewayPaymentID: "pay-10"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sharedDomain.ErrTransport)

	_, err = w.subs.FindByUserID(ctx, 10)
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	p := w.payment(t, "pay-10")
	assert.Equal(t, domain.StatusPending, p.Status)
	assert.Nil(t, p.ClaimedAt)

	w.panel.FailCreate = nil
	res, err := w.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{GatewayPaymentID: "pay-10"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, domain.StatusSucceeded, w.payment(t, "pay-10").Status)
}

func TestReconciler_ExtendReportsPanelLagButRecords(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	before := w.subscribed(t, 11, time.Now().Add(5*24*time.Hour), "")
	w.pending(t, 11, "pay-11", domain.KindPurchase)
	w.panel.FailUpdate = sharedDomain.TransportError("update account", errors.New("timeout"))

	res, err := w.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{GatewayPaymentID: "pay-11"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, subscription.CommandExtend, res.Kind)
	assert.Error(t, res.ProvisioningErr)

	after := w.subscription(t, 11)
	assert.WithinDuration(t, before.ExpiresAt.Add(planDays*24*time.Hour), after.ExpiresAt, time.Second)
	assert.Equal(t, domain.StatusSucceeded, w.payment(t, "pay-11").Status)
}

func TestReconciler_StoresInstrumentOnlyWhenConfirmed(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	w.pending(t, 12, "pay-12", domain.KindPurchase)
	_, err := w.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{GatewayPaymentID: "pay-12"})
	require.NoError(t, err)
	assert.Empty(t, w.subscription(t, 12).PaymentInstrumentRef)

	w.pending(t, 12, "pay-13", domain.KindPurchase)
	_, err = w.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{GatewayPaymentID: "pay-13", InstrumentRef: "pm-13"})
	require.NoError(t, err)
	assert.Equal(t, "pm-13", w.subscription(t, 12).PaymentInstrumentRef)
	assert.Equal(t, "pm-13", w.payment(t, "pay-13").InstrumentRef)
}

func TestReconciler_RecordsPaymentMissingFromLedger(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	_, err := w.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{GatewayPaymentID: "pay-ghost"})
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)

	res, err := w.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{
		GatewayPaymentID: "pay-ghost",
		UserID:           13,
		Money:            planPrice,
		Kind:             domain.KindRenewal,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, domain.KindRenewal, w.payment(t, "pay-ghost").Kind)

	_, err = w.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{})
	assert.ErrorIs(t, err, sharedDomain.ErrValidation)
}

func TestReconciler_CanceledPaymentIsNeverApplied(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.pending(t, 14, "pay-14", domain.KindPurchase)

	canceled, err := w.reconciler.OnPaymentCanceled(ctx, "pay-14")
	require.NoError(t, err)
	assert.True(t, canceled)

	canceled, err = w.reconciler.OnPaymentCanceled(ctx, "pay-14")
	require.NoError(t, err)
	assert.False(t, canceled)

	res, err := w.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{GatewayPaymentID: "pay-14"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, res.Outcome)
	assert.Equal(t, 0, w.panel.Mutations())
	assert.Equal(t, []string{domain.RoutingKeyCanceled}, w.routingKeys(t))
}

func TestReconciler_HeldClaimReportsInProgress(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.pending(t, 15, "pay-15", domain.KindPurchase)

	claimed, err := w.payments.Claim(ctx, "pay-15", time.Now().UTC(), time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	res, err := w.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{GatewayPaymentID: "pay-15"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, res.Outcome)
	assert.Equal(t, 0, w.panel.Mutations())

	w.reconciler.now = func() time.Time { return time.Now().UTC().Add(5 * time.Minute) }
	res, err = w.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{GatewayPaymentID: "pay-15"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
}
