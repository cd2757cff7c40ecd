package commands

import (
	"context"
	"log/slog"
	"time"

	sharedApplication "github.com/felixgeelhaar/tunnelgate/internal/shared/application"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
	"github.com/felixgeelhaar/tunnelgate/pkg/observability"
	"github.com/google/uuid"
)

// DeactivateCommand switches a subscription off.
type DeactivateCommand struct {
	SubscriptionID uuid.UUID
	Reason         string
	Metadata       *sharedDomain.EventMetadata
}

// DeactivateResult reports whether this call performed the deactivation.
type DeactivateResult struct {
	Subscription *domain.Subscription
	Changed      bool
	// PanelErr is set when the ledger was updated but the panel account
	// could not be disabled.
	PanelErr error
}

// DeactivateHandler flips is_active with a conditional update so concurrent
// callers deactivate a subscription exactly once, then disables the panel
// account.
type DeactivateHandler struct {
	repo        domain.Repository
	outboxRepo  outbox.Repository
	uow         sharedApplication.UnitOfWork
	provisioner domain.Provisioner
	logger      *slog.Logger
	metrics     observability.Metrics
	now         func() time.Time
}

// NewDeactivateHandler creates a new DeactivateHandler.
func NewDeactivateHandler(
	repo domain.Repository,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
	provisioner domain.Provisioner,
	logger *slog.Logger,
	metrics observability.Metrics,
) *DeactivateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &DeactivateHandler{
		repo:        repo,
		outboxRepo:  outboxRepo,
		uow:         uow,
		provisioner: provisioner,
		logger:      logger,
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes the DeactivateCommand.
func (h *DeactivateHandler) Handle(ctx context.Context, cmd DeactivateCommand) (*DeactivateResult, error) {
	sub, err := h.repo.FindByID(ctx, cmd.SubscriptionID)
	if err != nil {
		return nil, err
	}

	now := h.now()
	guard := domain.DeactivateGuard{Version: sub.Version}
	if cmd.Reason == domain.ReasonExpired {
		if sub.ExpiresAt.After(now) {
			return &DeactivateResult{Subscription: sub}, nil
		}
		guard.ExpiredBy = now
	}
	decision, err := domain.Transition(sub, domain.Command{
		Kind:   domain.CommandDeactivate,
		UserID: sub.UserID,
		Reason: cmd.Reason,
	}, now)
	if err != nil {
		return nil, err
	}
	if !decision.Changed {
		return &DeactivateResult{Subscription: sub}, nil
	}

	var flipped bool
	err = sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
		ok, err := h.repo.DeactivateIfActive(txCtx, sub.ID, guard, now)
		if err != nil || !ok {
			return err
		}
		flipped = true

		entry := domain.NewHistoryEntry(decision.Previous, decision.Next, domain.ChangeDeactivated, "", now)
		if err := h.repo.AppendHistory(txCtx, entry); err != nil {
			return err
		}
		return saveEvents(txCtx, h.outboxRepo, decision.Events, metadataFor(txCtx, cmd.Metadata, sub.UserID))
	})
	if err != nil {
		return nil, err
	}
	if !flipped {
		return &DeactivateResult{Subscription: sub}, nil
	}

	h.metrics.Counter(observability.MetricDeactivations, 1, observability.T("reason", cmd.Reason))
	h.logger.Info("subscription deactivated",
		"subscription_id", sub.ID,
		"user_id", sub.UserID,
		"reason", cmd.Reason,
	)

	result := &DeactivateResult{Subscription: decision.Next, Changed: true}
	if err := h.provisioner.Disable(ctx, sub.PanelAccountName); err != nil {
		h.logger.Warn("panel disable failed after deactivation",
			"subscription_id", sub.ID,
			"account", sub.PanelAccountName,
			"error", err,
		)
		result.PanelErr = err
	}
	return result, nil
}
