package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	subscription "github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
	"github.com/google/uuid"
)

// Scenario names the charge flavour chosen for a checkout.
type Scenario string

const (
	// ScenarioStoredInstrument charges the saved instrument without a redirect.
	ScenarioStoredInstrument Scenario = "stored_instrument"
	// ScenarioRedirect is a redirect charge that does not save the instrument,
	// used when the user already has a subscription but no saved instrument.
	ScenarioRedirect Scenario = "redirect"
	// ScenarioFirstPurchase is a redirect charge asking to save the instrument.
	ScenarioFirstPurchase Scenario = "first_purchase"
)

// CheckoutConfig describes the plan being sold.
type CheckoutConfig struct {
	Price      domain.Money
	PlanName   string
	Method     string
	ReturnURL  string
	SessionTTL time.Duration
}

// CheckoutResult is what the user needs to finish paying.
type CheckoutResult struct {
	GatewayPaymentID string
	Scenario         Scenario
	Status           domain.ChargeStatus
	// RedirectURL is empty for stored-instrument charges.
	RedirectURL string
	// Reconciled is set when the charge succeeded immediately.
	Reconciled *ReconcileResult
}

// CheckState is the result of a manual payment check.
type CheckState string

const (
	CheckSucceeded CheckState = "succeeded"
	CheckCanceled  CheckState = "canceled"
	CheckPending   CheckState = "pending"
)

// CheckResult is the result of a manual payment check.
type CheckResult struct {
	State            CheckState
	GatewayPaymentID string
	Reconciled       *ReconcileResult
}

// Checkout starts purchases and answers "I paid, check it" requests.
type Checkout struct {
	subscriptions subscription.Repository
	payments      domain.Repository
	gateway       domain.PaymentGateway
	sessions      domain.SessionStore
	reconciler    *Reconciler
	cfg           CheckoutConfig
	logger        *slog.Logger
	now           func() time.Time
}

// NewCheckout creates a Checkout.
func NewCheckout(
	subscriptions subscription.Repository,
	payments domain.Repository,
	gateway domain.PaymentGateway,
	sessions domain.SessionStore,
	reconciler *Reconciler,
	cfg CheckoutConfig,
	logger *slog.Logger,
) *Checkout {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Method == "" {
		cfg.Method = "sbp"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	return &Checkout{
		subscriptions: subscriptions,
		payments:      payments,
		gateway:       gateway,
		sessions:      sessions,
		reconciler:    reconciler,
		cfg:           cfg,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Start creates a charge for the plan. A saved instrument is charged
// directly; otherwise the user gets a redirect URL, and the instrument is
// saved only on a first purchase.
func (c *Checkout) Start(ctx context.Context, userID int64) (*CheckoutResult, error) {
	if userID <= 0 {
		return nil, domain.ErrInvalidUser
	}

	sub, err := c.subscriptions.FindByUserID(ctx, userID)
	if err != nil && !errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return nil, err
	}

	metadata := map[string]string{
		"user_id": strconv.FormatInt(userID, 10),
		"kind":    string(domain.KindPurchase),
	}
	key := uuid.NewString()

	var (
		charge   *domain.Charge
		scenario Scenario
	)
	switch {
	case sub != nil && sub.PaymentInstrumentRef != "":
		scenario = ScenarioStoredInstrument
		charge, err = c.gateway.ChargeStoredInstrument(ctx, domain.StoredChargeRequest{
			Money:          c.cfg.Price,
			InstrumentRef:  sub.PaymentInstrumentRef,
			Description:    c.description(userID, true),
			Metadata:       metadata,
			IdempotencyKey: key,
		})
	case sub != nil:
		scenario = ScenarioRedirect
		charge, err = c.gateway.CreateCharge(ctx, domain.ChargeRequest{
			Money:          c.cfg.Price,
			Method:         c.cfg.Method,
			Description:    c.description(userID, true),
			ReturnURL:      c.cfg.ReturnURL,
			Metadata:       metadata,
			IdempotencyKey: key,
		})
	default:
		scenario = ScenarioFirstPurchase
		charge, err = c.gateway.CreateCharge(ctx, domain.ChargeRequest{
			Money:          c.cfg.Price,
			Method:         c.cfg.Method,
			Description:    c.description(userID, false),
			ReturnURL:      c.cfg.ReturnURL,
			SaveInstrument: true,
			Metadata:       metadata,
			IdempotencyKey: key,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("create %s charge for user %d: %w", scenario, userID, err)
	}

	payment, err := domain.NewPayment(userID, charge.ID, c.cfg.Price, domain.KindPurchase, c.now())
	if err != nil {
		return nil, err
	}
	if err := c.payments.Create(ctx, payment); err != nil {
		return nil, err
	}
	if err := c.sessions.Put(ctx, userID, charge.ID, c.cfg.SessionTTL); err != nil {
		c.logger.Warn("remember pending payment failed", "user_id", userID, "payment_id", charge.ID, "error", err)
	}

	c.logger.Info("checkout started",
		"user_id", userID,
		"payment_id", charge.ID,
		"scenario", scenario,
		"status", charge.Status,
	)

	result := &CheckoutResult{
		GatewayPaymentID: charge.ID,
		Scenario:         scenario,
		Status:           charge.Status,
		RedirectURL:      charge.RedirectURL,
	}
	if charge.Status == domain.ChargeSucceeded {
		reconciled, err := c.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{
			GatewayPaymentID: charge.ID,
			InstrumentRef:    charge.ConfirmedInstrument(),
		})
		if err != nil {
			return nil, err
		}
		result.Reconciled = reconciled
		c.forget(ctx, userID)
	}
	return result, nil
}

// Check looks up the user's pending payment at the gateway and applies it
// when it succeeded.
func (c *Checkout) Check(ctx context.Context, userID int64) (*CheckResult, error) {
	id, err := c.sessions.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	charge, err := c.gateway.GetCharge(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("check payment %s: %w", id, err)
	}

	switch charge.Status {
	case domain.ChargeSucceeded:
		reconciled, err := c.reconciler.OnPaymentSucceeded(ctx, PaymentSignal{
			GatewayPaymentID: charge.ID,
			InstrumentRef:    charge.ConfirmedInstrument(),
		})
		if err != nil {
			return nil, err
		}
		c.forget(ctx, userID)
		return &CheckResult{State: CheckSucceeded, GatewayPaymentID: id, Reconciled: reconciled}, nil

	case domain.ChargeCanceled:
		if _, err := c.reconciler.OnPaymentCanceled(ctx, id); err != nil && !errors.Is(err, domain.ErrPaymentNotFound) {
			return nil, err
		}
		c.forget(ctx, userID)
		return &CheckResult{State: CheckCanceled, GatewayPaymentID: id}, nil

	default:
		return &CheckResult{State: CheckPending, GatewayPaymentID: id}, nil
	}
}

// History lists the user's payments, newest first.
func (c *Checkout) History(ctx context.Context, userID int64, limit int) ([]*domain.Payment, error) {
	if limit <= 0 {
		limit = 10
	}
	return c.payments.ListByUser(ctx, userID, limit)
}

func (c *Checkout) forget(ctx context.Context, userID int64) {
	if err := c.sessions.Delete(ctx, userID); err != nil {
		c.logger.Warn("clear pending payment failed", "user_id", userID, "error", err)
	}
}

func (c *Checkout) description(userID int64, renewal bool) string {
	if renewal {
		return fmt.Sprintf("%s (renewal) - %d", c.cfg.PlanName, userID)
	}
	return fmt.Sprintf("%s - %d", c.cfg.PlanName, userID)
}
