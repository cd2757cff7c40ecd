package queries

import (
	"context"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
)

const defaultHistoryLimit = 20

// HistoryEntryDTO is one subscription change shown to the user.
type HistoryEntryDTO struct {
	Change            domain.Change `json:"change"`
	PreviousExpiresAt *time.Time    `json:"previous_expires_at,omitempty"`
	ExpiresAt         time.Time     `json:"expires_at"`
	IsActive          bool          `json:"is_active"`
	PaymentID         string        `json:"payment_id,omitempty"`
	RecordedAt        time.Time     `json:"recorded_at"`
}

// ListHistoryQuery lists a user's subscription changes, newest first.
type ListHistoryQuery struct {
	UserID int64
	Limit  int
}

// ListHistoryHandler handles the ListHistoryQuery.
type ListHistoryHandler struct {
	repo domain.Repository
}

// NewListHistoryHandler creates a new ListHistoryHandler.
func NewListHistoryHandler(repo domain.Repository) *ListHistoryHandler {
	return &ListHistoryHandler{repo: repo}
}

// Handle executes the ListHistoryQuery.
func (h *ListHistoryHandler) Handle(ctx context.Context, query ListHistoryQuery) ([]HistoryEntryDTO, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	entries, err := h.repo.History(ctx, query.UserID, limit)
	if err != nil {
		return nil, err
	}

	dtos := make([]HistoryEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, HistoryEntryDTO{
			Change:            e.Change,
			PreviousExpiresAt: e.PreviousExpiresAt,
			ExpiresAt:         e.ExpiresAt,
			IsActive:          e.IsActive,
			PaymentID:         e.GatewayPaymentID,
			RecordedAt:        e.RecordedAt,
		})
	}
	return dtos, nil
}
