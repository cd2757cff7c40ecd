package domain

import (
	"context"
	"time"

	provisioning "github.com/felixgeelhaar/tunnelgate/internal/provisioning/domain"
)

// Provisioner executes account intents against the VPN panel.
type Provisioner interface {
	Ensure(ctx context.Context, name string, days int) (provisioning.EnsureResult, error)
	Align(ctx context.Context, name string, expireAt time.Time) (provisioning.EnsureResult, error)
	// Inspect returns nil without error when the account does not exist.
	Inspect(ctx context.Context, name string) (*provisioning.Account, error)
	Disable(ctx context.Context, name string) error
	AccessURL(ctx context.Context, name string) (string, error)
}
