package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
)

// ErrGiftUnavailable is returned when the user already has a subscription record.
var ErrGiftUnavailable = errors.New("gift subscription is only available before the first subscription")

// GiftCommand grants the welcome subscription.
type GiftCommand struct {
	UserID int64
	Days   int
}

// GiftHandler grants a gift subscription once per user.
type GiftHandler struct {
	repo  domain.Repository
	grant *GrantHandler
}

// NewGiftHandler creates a new GiftHandler.
func NewGiftHandler(repo domain.Repository, grant *GrantHandler) *GiftHandler {
	return &GiftHandler{repo: repo, grant: grant}
}

// Handle executes the GiftCommand.
func (h *GiftHandler) Handle(ctx context.Context, cmd GiftCommand) (*GrantResult, error) {
	existing, err := currentSubscription(ctx, h.repo, cmd.UserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("user %d: %w", cmd.UserID, ErrGiftUnavailable)
	}

	return h.grant.Handle(ctx, GrantCommand{
		UserID:    cmd.UserID,
		Days:      cmd.Days,
		AutoRenew: true,
		Reason:    domain.ReasonGift,
	})
}
