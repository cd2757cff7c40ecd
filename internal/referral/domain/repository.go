package domain

import (
	"context"
	"time"
)

// Repository is the ledger's referral store.
type Repository interface {
	// Register inserts r unless the referred user already has a referral.
	// It reports whether this call recorded it; the first write wins.
	Register(ctx context.Context, r *Referral) (bool, error)
	FindByReferred(ctx context.Context, referredID int64) (*Referral, error)
	// Claim takes a reward lease on an unrewarded referral. Only one caller
	// holding an unexpired lease sees true.
	Claim(ctx context.Context, referredID int64, now time.Time, lease time.Duration) (bool, error)
	Release(ctx context.Context, referredID int64) error
	// MarkRewarded sets rewarded once and reports whether this call did it.
	MarkRewarded(ctx context.Context, referredID int64, now time.Time) (bool, error)
	// ListUnrewarded returns referrals recorded before the given instant that
	// were never rewarded, oldest first.
	ListUnrewarded(ctx context.Context, createdBefore time.Time, limit int) ([]*Referral, error)
	// Stats counts a referrer's referrals and how many were rewarded.
	Stats(ctx context.Context, referrerID int64) (total, rewarded int, err error)
}
