package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	sharedApplication "github.com/felixgeelhaar/tunnelgate/internal/shared/application"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/outbox"
	subscriptionCommands "github.com/felixgeelhaar/tunnelgate/internal/subscription/application/commands"
	subscription "github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
	"github.com/felixgeelhaar/tunnelgate/pkg/observability"
)

// ErrClaimLost is returned when the payment stopped being pending while a
// claim was held, which only happens after the lease expired.
var ErrClaimLost = errors.New("payment claim lost before completion")

// Outcome is how a payment signal was handled.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeInProgress       Outcome = "in_progress"
)

// Granter applies days to a user's subscription.
type Granter interface {
	Handle(ctx context.Context, cmd subscriptionCommands.GrantCommand) (*subscriptionCommands.GrantResult, error)
}

// PaymentSignal reports that the gateway confirmed a payment.
type PaymentSignal struct {
	GatewayPaymentID string
	// InstrumentRef must only be set when the gateway confirmed it as saved.
	InstrumentRef string

	// When the ledger has no row for the payment yet (off-session renewals
	// recorded after the charge), these fields create it.
	UserID int64
	Money  domain.Money
	Kind   domain.Kind

	Metadata *sharedDomain.EventMetadata
}

// ReconcileResult describes the end state for one payment signal.
type ReconcileResult struct {
	Outcome      Outcome
	Payment      *domain.Payment
	Subscription *subscription.Subscription
	Kind         subscription.CommandKind
	// ProvisioningErr is set when the ledger was extended but the panel lags.
	ProvisioningErr error
}

// ReconcilerConfig holds plan parameters for the reconciler.
type ReconcilerConfig struct {
	PlanDays   int
	ClaimLease time.Duration
}

// Reconciler turns payment signals into exactly one subscription change per
// payment. A webhook delivery and a manual check racing on the same payment
// both call OnPaymentSucceeded; only the caller that wins the claim on the
// pending row proceeds, and the payment is completed in the same transaction
// as the subscription write.
type Reconciler struct {
	payments   domain.Repository
	granter    Granter
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
	cfg        ReconcilerConfig
	logger     *slog.Logger
	metrics    observability.Metrics
	now        func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	payments domain.Repository,
	granter Granter,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
	cfg ReconcilerConfig,
	logger *slog.Logger,
	metrics observability.Metrics,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 2 * time.Minute
	}
	return &Reconciler{
		payments:   payments,
		granter:    granter,
		outboxRepo: outboxRepo,
		uow:        uow,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// OnPaymentSucceeded applies a confirmed payment. Calling it again for the
// same payment, sequentially or concurrently, returns AlreadyProcessed or
// InProgress without provisioning anything.
func (r *Reconciler) OnPaymentSucceeded(ctx context.Context, sig PaymentSignal) (result *ReconcileResult, err error) {
	timer := observability.StartTimer("billing.reconcile").WithLogger(r.logger).WithMetrics(r.metrics)
	defer func() {
		timer.StopWithError(err)
		if result != nil {
			r.metrics.Counter(observability.MetricReconcileOutcomes, 1, observability.T("outcome", string(result.Outcome)))
		}
	}()

	if sig.GatewayPaymentID == "" {
		return nil, sharedDomain.ValidationError("reconcile payment", domain.ErrEmptyGatewayID)
	}

	now := r.now()
	payment, err := r.payment(ctx, sig, now)
	if err != nil {
		return nil, err
	}

	switch payment.Status {
	case domain.StatusSucceeded:
		return &ReconcileResult{Outcome: OutcomeAlreadyProcessed, Payment: payment}, nil
	case domain.StatusCanceled:
		r.logger.Error("success reported for canceled payment",
			"payment_id", payment.GatewayPaymentID,
			"user_id", payment.UserID,
		)
		return &ReconcileResult{Outcome: OutcomeAlreadyProcessed, Payment: payment}, nil
	}

	claimed, err := r.payments.Claim(ctx, payment.GatewayPaymentID, now, r.cfg.ClaimLease)
	if err != nil {
		return nil, err
	}
	if !claimed {
		current, err := r.payments.FindByGatewayID(ctx, payment.GatewayPaymentID)
		if err != nil {
			return nil, err
		}
		if current.IsSucceeded() {
			return &ReconcileResult{Outcome: OutcomeAlreadyProcessed, Payment: current}, nil
		}
		r.logger.Info("payment is being processed by another caller", "payment_id", payment.GatewayPaymentID)
		return &ReconcileResult{Outcome: OutcomeInProgress, Payment: current}, nil
	}

	reason := subscription.ReasonPurchase
	if payment.Kind == domain.KindRenewal {
		reason = subscription.ReasonRenewal
	}

	grant, err := r.granter.Handle(ctx, subscriptionCommands.GrantCommand{
		UserID:        payment.UserID,
		Days:          r.cfg.PlanDays,
		AutoRenew:     true,
		InstrumentRef: sig.InstrumentRef,
		Reason:        reason,
		PaymentID:     payment.GatewayPaymentID,
		Metadata:      sig.Metadata,
		Within: func(txCtx context.Context, sub *subscription.Subscription) error {
			ok, err := r.payments.Complete(txCtx, payment.GatewayPaymentID, sub.ID, sig.InstrumentRef, now)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("complete payment %s: %w", payment.GatewayPaymentID, ErrClaimLost)
			}
			return nil
		},
	})
	if err != nil {
		if relErr := r.payments.Release(context.WithoutCancel(ctx), payment.GatewayPaymentID); relErr != nil {
			r.logger.Error("release payment claim failed", "payment_id", payment.GatewayPaymentID, "error", relErr)
		}
		r.logger.Error("payment could not be applied",
			"payment_id", payment.GatewayPaymentID,
			"user_id", payment.UserID,
			"error", err,
		)
		return nil, fmt.Errorf("apply payment %s: %w", payment.GatewayPaymentID, err)
	}

	payment.Status = domain.StatusSucceeded
	payment.SubscriptionID.UUID = grant.Subscription.ID
	payment.SubscriptionID.Valid = true
	payment.ClaimedAt = nil
	if sig.InstrumentRef != "" {
		payment.InstrumentRef = sig.InstrumentRef
	}

	r.logger.Info("payment applied",
		"payment_id", payment.GatewayPaymentID,
		"user_id", payment.UserID,
		"subscription_id", grant.Subscription.ID,
		"change", grant.Kind,
		"expires_at", grant.Subscription.ExpiresAt,
	)

	return &ReconcileResult{
		Outcome:         OutcomeApplied,
		Payment:         payment,
		Subscription:    grant.Subscription,
		Kind:            grant.Kind,
		ProvisioningErr: grant.ProvisioningErr,
	}, nil
}

// OnPaymentCanceled marks a pending payment canceled. It reports whether this
// call made the transition.
func (r *Reconciler) OnPaymentCanceled(ctx context.Context, gatewayPaymentID string) (bool, error) {
	if gatewayPaymentID == "" {
		return false, sharedDomain.ValidationError("cancel payment", domain.ErrEmptyGatewayID)
	}
	payment, err := r.payments.FindByGatewayID(ctx, gatewayPaymentID)
	if err != nil {
		return false, err
	}
	if payment.Status != domain.StatusPending {
		return false, nil
	}

	now := r.now()
	var canceled bool
	err = sharedApplication.WithUnitOfWork(ctx, r.uow, func(txCtx context.Context) error {
		ok, err := r.payments.Cancel(txCtx, gatewayPaymentID, now)
		if err != nil || !ok {
			return err
		}
		canceled = true

		event := domain.NewPaymentCanceled(payment, now)
		events := []sharedDomain.DomainEvent{event}
		sharedApplication.ApplyEventMetadata(events, sharedApplication.MetadataFromContext(txCtx, payment.UserID))
		msgs, err := outbox.NewMessages(events)
		if err != nil {
			return err
		}
		return r.outboxRepo.SaveBatch(txCtx, msgs)
	})
	if err != nil {
		return false, err
	}
	if canceled {
		r.logger.Info("payment canceled", "payment_id", gatewayPaymentID, "user_id", payment.UserID)
	}
	return canceled, nil
}

// payment loads the ledger row, recording it first when the signal carries
// enough to do so.
func (r *Reconciler) payment(ctx context.Context, sig PaymentSignal, now time.Time) (*domain.Payment, error) {
	payment, err := r.payments.FindByGatewayID(ctx, sig.GatewayPaymentID)
	if err == nil {
		return payment, nil
	}
	if !errors.Is(err, domain.ErrPaymentNotFound) || sig.UserID == 0 {
		return nil, err
	}

	fresh, err := domain.NewPayment(sig.UserID, sig.GatewayPaymentID, sig.Money, sig.Kind, now)
	if err != nil {
		return nil, sharedDomain.ValidationError("record payment", err)
	}
	if _, err := r.payments.InsertIfAbsent(ctx, fresh); err != nil {
		return nil, err
	}
	return r.payments.FindByGatewayID(ctx, sig.GatewayPaymentID)
}
