package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Change labels a history entry.
type Change string

const (
	ChangeCreated     Change = "created"
	ChangeExtended    Change = "extended"
	ChangeReactivated Change = "reactivated"
	ChangeDeactivated Change = "deactivated"
	ChangeAligned     Change = "aligned"
)

// ChangeFor maps a command kind to the history label it records.
func ChangeFor(kind CommandKind) Change {
	switch kind {
	case CommandCreate:
		return ChangeCreated
	case CommandReactivate:
		return ChangeReactivated
	case CommandDeactivate:
		return ChangeDeactivated
	default:
		return ChangeExtended
	}
}

// HistoryEntry is one append-only record of a subscription change.
type HistoryEntry struct {
	ID                int64
	SubscriptionID    uuid.UUID
	UserID            int64
	Change            Change
	PreviousExpiresAt *time.Time
	ExpiresAt         time.Time
	IsActive          bool
	GatewayPaymentID  string
	RecordedAt        time.Time
}

// NewHistoryEntry records the move from prev to next.
func NewHistoryEntry(prev, next *Subscription, change Change, paymentID string, at time.Time) HistoryEntry {
	entry := HistoryEntry{
		SubscriptionID:   next.ID,
		UserID:           next.UserID,
		Change:           change,
		ExpiresAt:        next.ExpiresAt,
		IsActive:         next.IsActive,
		GatewayPaymentID: paymentID,
		RecordedAt:       at,
	}
	if prev != nil {
		p := prev.ExpiresAt
		entry.PreviousExpiresAt = &p
	}
	return entry
}

// DueFilter selects subscriptions for an auto-renew tick.
type DueFilter struct {
	Now   time.Time
	Until time.Time
	// PendingSince skips subscriptions whose user has a renewal payment still
	// pending that was created after this instant.
	PendingSince time.Time
	Limit        int
}

// DeactivateGuard pins a deactivation to the snapshot it was decided on.
type DeactivateGuard struct {
	Version int
	// ExpiredBy, when set, also requires expires_at <= ExpiredBy.
	ExpiredBy time.Time
}

// Repository is the ledger's subscription store. It keeps exactly one row per
// user; the uniqueness is enforced by the store and surfaces as a conflict.
type Repository interface {
	FindByUserID(ctx context.Context, userID int64) (*Subscription, error)
	FindByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	// Create inserts a new current row. A second row for the same user fails
	// with a conflict error.
	Create(ctx context.Context, s *Subscription) error
	// Update writes s if its version still matches and bumps the version.
	// A lost race returns ErrStaleSubscription.
	Update(ctx context.Context, s *Subscription) error
	// DeactivateIfActive flips is_active only when the row is still active and
	// matches guard, and reports whether this call did it.
	DeactivateIfActive(ctx context.Context, id uuid.UUID, guard DeactivateGuard, at time.Time) (bool, error)
	SetAutoRenew(ctx context.Context, userID int64, enabled bool) error
	SetProvisioningURL(ctx context.Context, id uuid.UUID, url string) error
	FindDueForRenewal(ctx context.Context, filter DueFilter) ([]*Subscription, error)
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
	// ListActive pages through active subscriptions ordered by id.
	ListActive(ctx context.Context, after uuid.UUID, limit int) ([]*Subscription, error)
	AppendHistory(ctx context.Context, entry HistoryEntry) error
	History(ctx context.Context, userID int64, limit int) ([]HistoryEntry, error)
}
