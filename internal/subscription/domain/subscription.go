package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// AggregateType names subscription aggregates in events and the outbox.
const AggregateType = "Subscription"

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrAlreadyActive        = errors.New("subscription is already active")
	ErrNotActive            = errors.New("subscription is not active")
	ErrInvalidDays          = errors.New("duration days must not be negative")
	ErrInvalidUser          = errors.New("user id must be positive")
	ErrUnknownCommand       = errors.New("unknown subscription command")
	ErrStaleSubscription    = errors.New("subscription was modified concurrently")
)

// State is the lifecycle state derived from a record and the current time.
type State string

const (
	StateAbsent   State = "absent"
	StateActive   State = "active"
	StateExpired  State = "expired"
	StateDisabled State = "disabled"
)

// Subscription is the single current record a user holds. History lives in
// an append-only log kept by the repository.
type Subscription struct {
	ID                   uuid.UUID
	UserID               int64
	PanelAccountName     string
	ExpiresAt            time.Time
	IsActive             bool
	AutoRenew            bool
	PaymentInstrumentRef string
	ProvisioningURL      string
	Version              int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// StateOf returns the state of s at now. A nil record is Absent.
func StateOf(s *Subscription, now time.Time) State {
	switch {
	case s == nil:
		return StateAbsent
	case !s.IsActive:
		return StateDisabled
	case !s.ExpiresAt.After(now):
		return StateExpired
	default:
		return StateActive
	}
}

// State returns the state of s at now.
func (s *Subscription) State(now time.Time) State {
	return StateOf(s, now)
}

// CanAutoRenew reports whether an off-session charge may be attempted.
func (s *Subscription) CanAutoRenew() bool {
	return s.IsActive && s.AutoRenew && s.PaymentInstrumentRef != ""
}

// DaysLeft returns the whole days remaining until expiry, never negative.
func (s *Subscription) DaysLeft(now time.Time) int {
	if !s.ExpiresAt.After(now) {
		return 0
	}
	return int(s.ExpiresAt.Sub(now) / (24 * time.Hour))
}

// Clone returns a copy safe to mutate.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
