package domain

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// AggregateType names referral aggregates in events and the outbox.
const AggregateType = "Referral"

var (
	ErrReferralNotFound  = errors.New("referral not found")
	ErrSelfReferral      = errors.New("a user cannot refer themselves")
	ErrAlreadyRegistered = errors.New("referred user is already registered")
	ErrInvalidUser       = errors.New("user id must be positive")
)

var idNamespace = uuid.MustParse("5f1f7d52-6a0e-4c55-9b8e-0b9a2f6c4e11")

// Referral links a referred user to the user who invited them. A referred
// user has at most one referral and it is rewarded at most once.
type Referral struct {
	ReferrerID int64
	ReferredID int64
	Rewarded   bool
	ClaimedAt  *time.Time
	CreatedAt  time.Time
	RewardedAt *time.Time
}

// NewReferral validates and builds an unrewarded referral.
func NewReferral(referrerID, referredID int64, now time.Time) (*Referral, error) {
	if referrerID <= 0 || referredID <= 0 {
		return nil, ErrInvalidUser
	}
	if referrerID == referredID {
		return nil, ErrSelfReferral
	}
	return &Referral{
		ReferrerID: referrerID,
		ReferredID: referredID,
		CreatedAt:  now.UTC(),
	}, nil
}

// ID is a stable identifier derived from the referred user, used as the
// aggregate id of referral events.
func (r *Referral) ID() uuid.UUID {
	return IDFor(r.ReferredID)
}

// IDFor returns the referral id for a referred user.
func IDFor(referredID int64) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte("referral:"+strconv.FormatInt(referredID, 10)))
}
