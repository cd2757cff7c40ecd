package domain

import (
	"time"

	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
)

const (
	RoutingKeyRegistered = "referral.registered"
	RoutingKeyRewarded   = "referral.rewarded"
)

// ReferralRegistered is emitted once when a referral is first recorded.
type ReferralRegistered struct {
	sharedDomain.BaseEvent
	ReferrerID int64 `json:"referrer_id"`
	ReferredID int64 `json:"referred_id"`
}

// NewReferralRegistered creates a ReferralRegistered event.
func NewReferralRegistered(r *Referral, at time.Time) *ReferralRegistered {
	return &ReferralRegistered{
		BaseEvent:  sharedDomain.NewBaseEventAt(r.ID(), AggregateType, RoutingKeyRegistered, at),
		ReferrerID: r.ReferrerID,
		ReferredID: r.ReferredID,
	}
}

// ReferralRewarded is emitted when the referrer received the bonus.
type ReferralRewarded struct {
	sharedDomain.BaseEvent
	ReferrerID int64     `json:"referrer_id"`
	ReferredID int64     `json:"referred_id"`
	Days       int       `json:"days"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// NewReferralRewarded creates a ReferralRewarded event.
func NewReferralRewarded(r *Referral, days int, expiresAt, at time.Time) *ReferralRewarded {
	return &ReferralRewarded{
		BaseEvent:  sharedDomain.NewBaseEventAt(r.ID(), AggregateType, RoutingKeyRewarded, at),
		ReferrerID: r.ReferrerID,
		ReferredID: r.ReferredID,
		Days:       days,
		ExpiresAt:  expiresAt,
	}
}
