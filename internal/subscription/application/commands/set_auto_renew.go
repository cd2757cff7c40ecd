package commands

import (
	"context"

	"github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
)

// SetAutoRenewCommand turns off-session renewal on or off.
type SetAutoRenewCommand struct {
	UserID  int64
	Enabled bool
}

// SetAutoRenewHandler handles the SetAutoRenewCommand.
type SetAutoRenewHandler struct {
	repo domain.Repository
}

// NewSetAutoRenewHandler creates a new SetAutoRenewHandler.
func NewSetAutoRenewHandler(repo domain.Repository) *SetAutoRenewHandler {
	return &SetAutoRenewHandler{repo: repo}
}

// Handle executes the SetAutoRenewCommand.
func (h *SetAutoRenewHandler) Handle(ctx context.Context, cmd SetAutoRenewCommand) error {
	return h.repo.SetAutoRenew(ctx, cmd.UserID, cmd.Enabled)
}
