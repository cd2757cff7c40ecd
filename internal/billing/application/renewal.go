package application

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	subscriptionCommands "github.com/felixgeelhaar/tunnelgate/internal/subscription/application/commands"
	subscription "github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
	"github.com/felixgeelhaar/tunnelgate/pkg/observability"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Deactivator switches a subscription off exactly once.
type Deactivator interface {
	Handle(ctx context.Context, cmd subscriptionCommands.DeactivateCommand) (*subscriptionCommands.DeactivateResult, error)
}

// RenewalConfig controls one renewal tick.
type RenewalConfig struct {
	Price       domain.Money
	Description string
	Lookahead   time.Duration
	// PendingGrace skips subscriptions with a renewal charge younger than
	// this that is still pending, leaving room for its webhook.
	PendingGrace time.Duration
	Concurrency  int
	BatchSize    int
}

// RenewalTickResult summarizes one tick.
type RenewalTickResult struct {
	Due         int
	Renewed     int
	Pending     int
	Deactivated int
	Failed      int
}

// RenewalScheduler charges stored instruments for subscriptions close to
// expiry. A successful charge goes through the Reconciler like any other
// payment; a declined charge deactivates the subscription, which removes it
// from later ticks. Transport and auth errors say nothing about the payer and
// leave the subscription for the next tick.
type RenewalScheduler struct {
	subscriptions subscription.Repository
	payments      domain.Repository
	gateway       domain.PaymentGateway
	reconciler    *Reconciler
	deactivator   Deactivator
	cfg           RenewalConfig
	logger        *slog.Logger
	metrics       observability.Metrics
	now           func() time.Time
}

// NewRenewalScheduler creates a RenewalScheduler.
func NewRenewalScheduler(
	subscriptions subscription.Repository,
	payments domain.Repository,
	gateway domain.PaymentGateway,
	reconciler *Reconciler,
	deactivator Deactivator,
	cfg RenewalConfig,
	logger *slog.Logger,
	metrics observability.Metrics,
) *RenewalScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 24 * time.Hour
	}
	return &RenewalScheduler{
		subscriptions: subscriptions,
		payments:      payments,
		gateway:       gateway,
		reconciler:    reconciler,
		deactivator:   deactivator,
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Tick runs one renewal pass. Subscriptions are processed concurrently with
// bounded parallelism and a failure on one never stops the others. A
// cancelled context stops scheduling new work; whatever was not reached is
// picked up by the next tick.
func (s *RenewalScheduler) Tick(ctx context.Context) (*RenewalTickResult, error) {
	now := s.now()
	due, err := s.subscriptions.FindDueForRenewal(ctx, subscription.DueFilter{
		Now:          now,
		Until:        now.Add(s.cfg.Lookahead),
		PendingSince: now.Add(-s.cfg.PendingGrace),
		Limit:        s.cfg.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Gauge(observability.MetricRenewalTickSubs, float64(len(due)))

	var renewed, pending, deactivated, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, sub := range due {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome := s.renew(ctx, sub)
			s.metrics.Counter(observability.MetricRenewalAttempts, 1, observability.T("result", outcome))
			switch outcome {
			case "renewed":
				renewed.Add(1)
			case "pending":
				pending.Add(1)
			case "deactivated":
				deactivated.Add(1)
			case "skipped":
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := &RenewalTickResult{
		Due:         len(due),
		Renewed:     int(renewed.Load()),
		Pending:     int(pending.Load()),
		Deactivated: int(deactivated.Load()),
		Failed:      int(failed.Load()),
	}
	s.logger.Info("renewal tick finished",
		"due", result.Due,
		"renewed", result.Renewed,
		"pending", result.Pending,
		"deactivated", result.Deactivated,
		"failed", result.Failed,
	)
	return result, ctx.Err()
}

func (s *RenewalScheduler) renew(ctx context.Context, sub *subscription.Subscription) string {
	log := s.logger.With("subscription_id", sub.ID, "user_id", sub.UserID)

	if sub.PaymentInstrumentRef == "" {
		return s.deactivate(ctx, sub, log)
	}

	charge, err := s.gateway.ChargeStoredInstrument(ctx, domain.StoredChargeRequest{
		Money:         s.cfg.Price,
		InstrumentRef: sub.PaymentInstrumentRef,
		Description:   s.cfg.Description,
		Metadata: map[string]string{
			"user_id":         strconv.FormatInt(sub.UserID, 10),
			"subscription_id": sub.ID.String(),
			"kind":            string(domain.KindRenewal),
		},
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		if errors.Is(err, sharedDomain.ErrValidation) {
			log.Warn("renewal charge rejected", "error", err)
			return s.deactivate(ctx, sub, log)
		}
		log.Warn("renewal charge failed, retrying next tick", "error", err)
		return "failed"
	}

	log = log.With("payment_id", charge.ID, "status", charge.Status)
	payment, err := domain.NewPayment(sub.UserID, charge.ID, s.cfg.Price, domain.KindRenewal, s.now())
	if err != nil {
		log.Error("renewal charge returned an unusable payment", "error", err)
		return "failed"
	}
	payment.InstrumentRef = sub.PaymentInstrumentRef
	if _, err := s.payments.InsertIfAbsent(ctx, payment); err != nil {
		log.Error("record renewal payment failed", "error", err)
		return "failed"
	}

	switch charge.Status {
	case domain.ChargeSucceeded:
		res, err := s.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{GatewayPaymentID: charge.ID})
		if err != nil {
			log.Error("renewal payment could not be applied", "error", err)
			return "failed"
		}
		if res.ProvisioningErr != nil {
			log.Warn("renewal applied but panel lags", "error", res.ProvisioningErr)
		}
		return "renewed"

	case domain.ChargeCanceled:
		if _, err := s.reconciler.OnPaymentCanceled(ctx, charge.ID); err != nil {
			log.Error("mark renewal payment canceled failed", "error", err)
		}
		log.Warn("renewal charge declined", "reason", charge.CancelReason)
		return s.deactivate(ctx, sub, log)

	default:
		log.Info("renewal charge pending")
		return "pending"
	}
}

func (s *RenewalScheduler) deactivate(ctx context.Context, sub *subscription.Subscription, log *slog.Logger) string {
	res, err := s.deactivator.Handle(ctx, subscriptionCommands.DeactivateCommand{
		SubscriptionID: sub.ID,
		Reason:         subscription.ReasonRenewalFailed,
	})
	if err != nil {
		log.Error("deactivate after failed renewal failed", "error", err)
		return "failed"
	}
	if !res.Changed {
		return "skipped"
	}
	return "deactivated"
}
