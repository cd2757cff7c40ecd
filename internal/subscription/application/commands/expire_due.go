package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
)

// ExpireDueCommand sweeps subscriptions whose expiry has passed.
type ExpireDueCommand struct {
	Limit int
}

// ExpireDueResult summarizes one sweep.
type ExpireDueResult struct {
	Checked     int
	Deactivated int
	Failed      int
}

// ExpireDueHandler deactivates active subscriptions with expires_at <= now.
// Failures are isolated per subscription.
type ExpireDueHandler struct {
	repo       domain.Repository
	deactivate *DeactivateHandler
	logger     *slog.Logger
	now        func() time.Time
}

// NewExpireDueHandler creates a new ExpireDueHandler.
func NewExpireDueHandler(repo domain.Repository, deactivate *DeactivateHandler, logger *slog.Logger) *ExpireDueHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpireDueHandler{
		repo:       repo,
		deactivate: deactivate,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes the ExpireDueCommand.
func (h *ExpireDueHandler) Handle(ctx context.Context, cmd ExpireDueCommand) (*ExpireDueResult, error) {
	subs, err := h.repo.FindExpired(ctx, h.now(), cmd.Limit)
	if err != nil {
		return nil, err
	}

	result := &ExpireDueResult{}
	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		result.Checked++

		res, err := h.deactivate.Handle(ctx, DeactivateCommand{
			SubscriptionID: sub.ID,
			Reason:         domain.ReasonExpired,
		})
		if err != nil {
			result.Failed++
			h.logger.Error("expire subscription failed",
				"subscription_id", sub.ID,
				"user_id", sub.UserID,
				"error", err,
			)
			continue
		}
		if res.Changed {
			result.Deactivated++
		}
	}
	return result, nil
}
