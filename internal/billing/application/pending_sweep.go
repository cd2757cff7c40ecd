package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
)

// SweepResult summarizes a pending-payment sweep.
type SweepResult struct {
	Checked  int
	Applied  int
	Canceled int
	Pending  int
	Failed   int
}

// PendingSweeper asks the gateway about payments that stayed pending longer
// than MinAge. It covers webhooks that never arrived and users who paid but
// never pressed "check".
type PendingSweeper struct {
	payments   domain.Repository
	gateway    domain.PaymentGateway
	reconciler *Reconciler
	minAge     time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewPendingSweeper creates a PendingSweeper.
func NewPendingSweeper(payments domain.Repository, gateway domain.PaymentGateway, reconciler *Reconciler, minAge time.Duration, logger *slog.Logger) *PendingSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if minAge <= 0 {
		minAge = 10 * time.Minute
	}
	return &PendingSweeper{
		payments:   payments,
		gateway:    gateway,
		reconciler: reconciler,
		minAge:     minAge,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Sweep checks up to limit pending payments.
func (s *PendingSweeper) Sweep(ctx context.Context, limit int) (*SweepResult, error) {
	pending, err := s.payments.ListPending(ctx, s.now().Add(-s.minAge), limit)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{}
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		result.Checked++
		log := s.logger.With("payment_id", p.GatewayPaymentID, "user_id", p.UserID)

		charge, err := s.gateway.GetCharge(ctx, p.GatewayPaymentID)
		if err != nil {
			result.Failed++
			log.Warn("pending payment lookup failed", "error", err)
			continue
		}

		switch charge.Status {
		case domain.ChargeSucceeded:
			res, err := s.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{
				GatewayPaymentID: charge.ID,
				InstrumentRef:    charge.ConfirmedInstrument(),
			})
			if err != nil {
				result.Failed++
				log.Error("pending payment could not be applied", "error", err)
				continue
			}
			if res.Outcome == OutcomeApplied {
				result.Applied++
			}
		case domain.ChargeCanceled:
			canceled, err := s.reconciler.OnPaymentCanceled(ctx, p.GatewayPaymentID)
			if err != nil {
				result.Failed++
				log.Error("cancel pending payment failed", "error", err)
				continue
			}
			if canceled {
				result.Canceled++
			}
		default:
			result.Pending++
		}
	}
	return result, nil
}
