package domain

import (
	"context"
	"time"
)

// SessionStore remembers the pending gateway payment a user is paying for so
// a manual check can find it. Get returns ErrNoPendingPayment when none is kept.
type SessionStore interface {
	Put(ctx context.Context, userID int64, gatewayPaymentID string, ttl time.Duration) error
	Get(ctx context.Context, userID int64) (string, error)
	Delete(ctx context.Context, userID int64) error
}
