package queries

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
	"github.com/google/uuid"
)

// StatusDTO is the user-facing view of a subscription.
type StatusDTO struct {
	SubscriptionID uuid.UUID    `json:"subscription_id,omitempty"`
	UserID         int64        `json:"user_id"`
	State          domain.State `json:"state"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
	DaysLeft       int          `json:"days_left"`
	AutoRenew      bool         `json:"auto_renew"`
	HasInstrument  bool         `json:"has_instrument"`
	AccessURL      string       `json:"access_url,omitempty"`
}

// GetStatusQuery asks for a user's subscription status.
type GetStatusQuery struct {
	UserID int64
}

// GetStatusHandler handles the GetStatusQuery. The access URL is fetched
// from the panel once and cached on the subscription.
type GetStatusHandler struct {
	repo        domain.Repository
	provisioner domain.Provisioner
	logger      *slog.Logger
	now         func() time.Time
}

// NewGetStatusHandler creates a new GetStatusHandler.
func NewGetStatusHandler(repo domain.Repository, provisioner domain.Provisioner, logger *slog.Logger) *GetStatusHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GetStatusHandler{
		repo:        repo,
		provisioner: provisioner,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes the GetStatusQuery.
func (h *GetStatusHandler) Handle(ctx context.Context, query GetStatusQuery) (*StatusDTO, error) {
	sub, err := h.repo.FindByUserID(ctx, query.UserID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		return &StatusDTO{UserID: query.UserID, State: domain.StateAbsent}, nil
	}
	if err != nil {
		return nil, err
	}

	now := h.now()
	expiresAt := sub.ExpiresAt
	dto := &StatusDTO{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		State:          sub.State(now),
		ExpiresAt:      &expiresAt,
		DaysLeft:       sub.DaysLeft(now),
		AutoRenew:      sub.AutoRenew,
		HasInstrument:  sub.PaymentInstrumentRef != "",
		AccessURL:      sub.ProvisioningURL,
	}

	if dto.AccessURL == "" && dto.State == domain.StateActive {
		url, err := h.provisioner.AccessURL(ctx, sub.PanelAccountName)
		if err != nil {
			h.logger.Warn("access url unavailable",
				"subscription_id", sub.ID,
				"account", sub.PanelAccountName,
				"error", err,
			)
			return dto, nil
		}
		dto.AccessURL = url
		if url != "" {
			if err := h.repo.SetProvisioningURL(ctx, sub.ID, url); err != nil {
				h.logger.Warn("cache access url failed", "subscription_id", sub.ID, "error", err)
			}
		}
	}

	return dto, nil
}
