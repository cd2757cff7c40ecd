package domain

import (
	"fmt"
	"time"

	provisioning "github.com/felixgeelhaar/tunnelgate/internal/provisioning/domain"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/google/uuid"
)

// CommandKind is the lifecycle event a transition is computed for.
type CommandKind string

const (
	CommandCreate     CommandKind = "create"
	CommandExtend     CommandKind = "extend"
	CommandDeactivate CommandKind = "deactivate"
	CommandReactivate CommandKind = "reactivate"
)

// Command drives one transition.
type Command struct {
	Kind   CommandKind
	UserID int64
	Days   int
	// AutoRenew applies to records created or reactivated by this command.
	AutoRenew bool
	// Reason and PaymentID annotate emitted events and history.
	Reason    string
	PaymentID string
}

// Intent is a side effect the caller must execute against the panel.
type Intent interface {
	intent()
}

// EnsureAccount asks for the account to exist and be valid for Days more days.
// ExpiresAt is the expiry the ledger will record.
type EnsureAccount struct {
	AccountName string
	Days        int
	ExpiresAt   time.Time
}

// DisableAccount asks for the account to be switched off without deleting it.
type DisableAccount struct {
	AccountName string
}

func (EnsureAccount) intent()  {}
func (DisableAccount) intent() {}

// Decision is the outcome of a transition. Next is nil only when the command
// left nothing to store. Changed is false for no-op transitions.
type Decision struct {
	Kind     CommandKind
	From     State
	Previous *Subscription
	Next     *Subscription
	Intents  []Intent
	Events   []sharedDomain.DomainEvent
	Changed  bool
}

// Ensure returns the EnsureAccount intent, if any.
func (d Decision) Ensure() (EnsureAccount, bool) {
	for _, i := range d.Intents {
		if e, ok := i.(EnsureAccount); ok {
			return e, true
		}
	}
	return EnsureAccount{}, false
}

// Transition computes the next record and the side effects for cmd applied to
// current at now. It does no I/O and never mutates current.
//
// Create against an Expired or Disabled record is treated as Reactivate so
// the account name and provisioning URL survive.
func Transition(current *Subscription, cmd Command, now time.Time) (Decision, error) {
	now = now.UTC()
	from := StateOf(current, now)
	if cmd.Days < 0 {
		return Decision{}, ErrInvalidDays
	}

	switch cmd.Kind {
	case CommandCreate:
		switch from {
		case StateAbsent:
			return create(cmd, now)
		case StateActive:
			return Decision{}, fmt.Errorf("create for user %d: %w", cmd.UserID, ErrAlreadyActive)
		default:
			return reactivate(current, from, cmd, now)
		}

	case CommandReactivate:
		switch from {
		case StateAbsent:
			return Decision{}, fmt.Errorf("reactivate for user %d: %w", cmd.UserID, ErrSubscriptionNotFound)
		case StateActive:
			return Decision{}, fmt.Errorf("reactivate %s: %w", current.ID, ErrAlreadyActive)
		default:
			return reactivate(current, from, cmd, now)
		}

	case CommandExtend:
		switch from {
		case StateAbsent:
			return Decision{}, fmt.Errorf("extend for user %d: %w", cmd.UserID, ErrSubscriptionNotFound)
		case StateDisabled:
			return Decision{}, fmt.Errorf("extend %s: %w", current.ID, ErrNotActive)
		default:
			return extend(current, from, cmd, now)
		}

	case CommandDeactivate:
		switch from {
		case StateAbsent:
			return Decision{}, fmt.Errorf("deactivate for user %d: %w", cmd.UserID, ErrSubscriptionNotFound)
		case StateDisabled:
			return Decision{Kind: CommandDeactivate, From: from, Previous: current.Clone(), Next: current.Clone()}, nil
		default:
			return deactivate(current, from, cmd, now)
		}
	}

	return Decision{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Kind)
}

func create(cmd Command, now time.Time) (Decision, error) {
	if cmd.UserID <= 0 {
		return Decision{}, ErrInvalidUser
	}
	next := &Subscription{
		ID:               uuid.New(),
		UserID:           cmd.UserID,
		PanelAccountName: provisioning.AccountName(cmd.UserID),
		ExpiresAt:        provisioning.ExtendExpiry(now, now, cmd.Days),
		IsActive:         true,
		AutoRenew:        cmd.AutoRenew,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return Decision{
		Kind: CommandCreate,
		From: StateAbsent,
		Next: next,
		Intents: []Intent{EnsureAccount{
			AccountName: next.PanelAccountName,
			Days:        cmd.Days,
			ExpiresAt:   next.ExpiresAt,
		}},
		Events:  []sharedDomain.DomainEvent{NewSubscriptionActivated(next, cmd, false, now)},
		Changed: true,
	}, nil
}

func reactivate(current *Subscription, from State, cmd Command, now time.Time) (Decision, error) {
	next := current.Clone()
	next.ExpiresAt = provisioning.ExtendExpiry(current.ExpiresAt, now, cmd.Days)
	next.IsActive = true
	next.AutoRenew = cmd.AutoRenew
	next.UpdatedAt = now
	return Decision{
		Kind:     CommandReactivate,
		From:     from,
		Previous: current.Clone(),
		Next:     next,
		Intents: []Intent{EnsureAccount{
			AccountName: next.PanelAccountName,
			Days:        cmd.Days,
			ExpiresAt:   next.ExpiresAt,
		}},
		Events:  []sharedDomain.DomainEvent{NewSubscriptionActivated(next, cmd, true, now)},
		Changed: true,
	}, nil
}

func extend(current *Subscription, from State, cmd Command, now time.Time) (Decision, error) {
	next := current.Clone()
	next.ExpiresAt = provisioning.ExtendExpiry(current.ExpiresAt, now, cmd.Days)
	next.IsActive = true
	next.UpdatedAt = now
	return Decision{
		Kind:     CommandExtend,
		From:     from,
		Previous: current.Clone(),
		Next:     next,
		Intents: []Intent{EnsureAccount{
			AccountName: next.PanelAccountName,
			Days:        cmd.Days,
			ExpiresAt:   next.ExpiresAt,
		}},
		Events:  []sharedDomain.DomainEvent{NewSubscriptionExtended(current, next, cmd, now)},
		Changed: !next.ExpiresAt.Equal(current.ExpiresAt),
	}, nil
}

func deactivate(current *Subscription, from State, cmd Command, now time.Time) (Decision, error) {
	next := current.Clone()
	next.IsActive = false
	next.UpdatedAt = now
	return Decision{
		Kind:     CommandDeactivate,
		From:     from,
		Previous: current.Clone(),
		Next:     next,
		Intents:  []Intent{DisableAccount{AccountName: next.PanelAccountName}},
		Events:   []sharedDomain.DomainEvent{NewSubscriptionDeactivated(next, cmd.Reason, now)},
		Changed:  true,
	}, nil
}
