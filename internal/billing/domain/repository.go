package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the ledger's payment store.
type Repository interface {
	// Create inserts a new pending payment; a duplicate gateway id is a conflict.
	Create(ctx context.Context, p *Payment) error
	// InsertIfAbsent inserts p unless a row with its gateway id exists.
	InsertIfAbsent(ctx context.Context, p *Payment) (bool, error)
	FindByGatewayID(ctx context.Context, gatewayPaymentID string) (*Payment, error)
	// Claim takes a processing lease on a pending payment. It succeeds only
	// when no other caller holds an unexpired lease.
	Claim(ctx context.Context, gatewayPaymentID string, now time.Time, lease time.Duration) (bool, error)
	// Release drops the lease so another caller can retry.
	Release(ctx context.Context, gatewayPaymentID string) error
	// Complete moves a pending payment to succeeded and links it. It reports
	// whether this call made the transition.
	Complete(ctx context.Context, gatewayPaymentID string, subscriptionID uuid.UUID, instrumentRef string, now time.Time) (bool, error)
	// Cancel moves a pending payment to canceled.
	Cancel(ctx context.Context, gatewayPaymentID string, now time.Time) (bool, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*Payment, error)
	// ListPending returns pending payments created before the given instant.
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*Payment, error)
}
