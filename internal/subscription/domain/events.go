package domain

import (
	"time"

	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
)

const (
	RoutingKeyActivated   = "subscription.activated"
	RoutingKeyExtended    = "subscription.extended"
	RoutingKeyDeactivated = "subscription.deactivated"
)

// SubscriptionActivated is emitted when a subscription is created or reactivated.
type SubscriptionActivated struct {
	sharedDomain.BaseEvent
	UserID      int64     `json:"user_id"`
	AccountName string    `json:"account_name"`
	ExpiresAt   time.Time `json:"expires_at"`
	Days        int       `json:"days"`
	Reactivated bool      `json:"reactivated"`
	Reason      string    `json:"reason,omitempty"`
	PaymentID   string    `json:"payment_id,omitempty"`
}

// NewSubscriptionActivated creates a SubscriptionActivated event.
func NewSubscriptionActivated(s *Subscription, cmd Command, reactivated bool, at time.Time) *SubscriptionActivated {
	return &SubscriptionActivated{
		BaseEvent:   sharedDomain.NewBaseEventAt(s.ID, AggregateType, RoutingKeyActivated, at),
		UserID:      s.UserID,
		AccountName: s.PanelAccountName,
		ExpiresAt:   s.ExpiresAt,
		Days:        cmd.Days,
		Reactivated: reactivated,
		Reason:      cmd.Reason,
		PaymentID:   cmd.PaymentID,
	}
}

// SubscriptionExtended is emitted when an active subscription's expiry moves forward.
type SubscriptionExtended struct {
	sharedDomain.BaseEvent
	UserID            int64     `json:"user_id"`
	PreviousExpiresAt time.Time `json:"previous_expires_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	Days              int       `json:"days"`
	Reason            string    `json:"reason,omitempty"`
	PaymentID         string    `json:"payment_id,omitempty"`
	// ProvisioningFailed is set by the caller when the panel could not be
	// updated and the ledger moved ahead of it.
	ProvisioningFailed bool `json:"provisioning_failed,omitempty"`
}

// NewSubscriptionExtended creates a SubscriptionExtended event.
func NewSubscriptionExtended(prev, next *Subscription, cmd Command, at time.Time) *SubscriptionExtended {
	return &SubscriptionExtended{
		BaseEvent:         sharedDomain.NewBaseEventAt(next.ID, AggregateType, RoutingKeyExtended, at),
		UserID:            next.UserID,
		PreviousExpiresAt: prev.ExpiresAt,
		ExpiresAt:         next.ExpiresAt,
		Days:              cmd.Days,
		Reason:            cmd.Reason,
		PaymentID:         cmd.PaymentID,
	}
}

// SubscriptionDeactivated is emitted when a subscription is switched off.
type SubscriptionDeactivated struct {
	sharedDomain.BaseEvent
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason"`
}

// NewSubscriptionDeactivated creates a SubscriptionDeactivated event.
func NewSubscriptionDeactivated(s *Subscription, reason string, at time.Time) *SubscriptionDeactivated {
	return &SubscriptionDeactivated{
		BaseEvent: sharedDomain.NewBaseEventAt(s.ID, AggregateType, RoutingKeyDeactivated, at),
		UserID:    s.UserID,
		ExpiresAt: s.ExpiresAt,
		Reason:    reason,
	}
}

// Deactivation reasons.
const (
	ReasonExpired       = "expired"
	ReasonRenewalFailed = "renewal_failed"
	ReasonManual        = "manual"
)

// Grant reasons.
const (
	ReasonPurchase = "purchase"
	ReasonRenewal  = "renewal"
	ReasonGift     = "gift"
	ReasonReferral = "referral"
)
