package domain

import (
	"context"
	"time"
)

// AccountUpdate lists the fields an update changes. Nil fields are left as
// the panel has them.
type AccountUpdate struct {
	ExpireAt *time.Time
	Status   *AccountStatus
}

// PanelClient is the contract the provisioning service needs from a VPN panel.
// Errors are classified with the shared taxonomy: transport, auth, not-found.
type PanelClient interface {
	GetAccount(ctx context.Context, name string) (*Account, error)
	CreateAccount(ctx context.Context, name string, expireAt time.Time) (*Account, error)
	// UpdateAccount must round-trip every protocol field already present on
	// the account; fields absent from update are preserved.
	UpdateAccount(ctx context.Context, name string, update AccountUpdate) (*Account, error)
	// DeleteAccount treats an already missing account as success.
	DeleteAccount(ctx context.Context, name string) error
	GetAccessURL(ctx context.Context, name string) (string, error)
}

// EnsureResult reports what ensure did on the panel.
type EnsureResult struct {
	AccountName string
	URL         string
	ExpireAt    time.Time
	Created     bool
}
