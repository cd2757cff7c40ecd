package commands

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	provisioning "github.com/felixgeelhaar/tunnelgate/internal/provisioning/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/database/dbtest"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/subscription/infrastructure/persistence"
	"github.com/felixgeelhaar/tunnelgate/pkg/observability"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProvisioner struct {
	mock.Mock
}

func (m *mockProvisioner) Ensure(ctx context.Context, name string, days int) (provisioning.EnsureResult, error) {
	args := m.Called(ctx, name, days)
	return args.Get(0).(provisioning.EnsureResult), args.Error(1)
}

func (m *mockProvisioner) Align(ctx context.Context, name string, expireAt time.Time) (provisioning.EnsureResult, error) {
	args := m.Called(ctx, name, expireAt)
	return args.Get(0).(provisioning.EnsureResult), args.Error(1)
}

func (m *mockProvisioner) Inspect(ctx context.Context, name string) (*provisioning.Account, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provisioning.Account), args.Error(1)
}

func (m *mockProvisioner) Disable(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *mockProvisioner) AccessURL(ctx context.Context, name string) (string, error) {
	args := m.Called(ctx, name)
	return args.String(0), args.Error(1)
}

type testLedger struct {
	repo   *persistence.SQLSubscriptionRepository
	outbox *outbox.SQLRepository
	uow    *database.GenericUnitOfWork
	now    time.Time
}

func newTestLedger(t *testing.T) *testLedger {
	t.Helper()
	conn := dbtest.NewSQLite(t)
	return &testLedger{
		repo:   persistence.NewSQLSubscriptionRepository(conn),
		outbox: outbox.NewSQLRepository(conn),
		uow:    database.NewUnitOfWork(conn),
		now:    time.Now().UTC().Truncate(time.Second),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (l *testLedger) grantHandler(p domain.Provisioner) *GrantHandler {
	h := NewGrantHandler(l.repo, l.outbox, l.uow, p, quietLogger())
	h.now = func() time.Time { return l.now }
	return h
}

func (l *testLedger) deactivateHandler(p domain.Provisioner, metrics observability.Metrics) *DeactivateHandler {
	h := NewDeactivateHandler(l.repo, l.outbox, l.uow, p, quietLogger(), metrics)
	h.now = func() time.Time { return l.now }
	return h
}

// seed stores an active or inactive subscription for userID.
func (l *testLedger) seed(t *testing.T, userID int64, expiresAt time.Time, active bool) *domain.Subscription {
	t.Helper()
	sub := &domain.Subscription{
		ID:               uuid.New(),
		UserID:           userID,
		PanelAccountName: provisioning.AccountName(userID),
		ExpiresAt:        expiresAt.UTC().Truncate(time.Second),
		IsActive:         active,
		AutoRenew:        true,
		ProvisioningURL:  "https://panel.test/sub/" + provisioning.AccountName(userID),
		CreatedAt:        l.now,
		UpdatedAt:        l.now,
	}
	require.NoError(t, l.repo.Create(context.Background(), sub))
	return sub
}

// routingKeys lists the unpublished outbox events in creation order.
func (l *testLedger) routingKeys(t *testing.T) []string {
	t.Helper()
	msgs, err := l.outbox.GetUnpublished(context.Background(), 100)
	require.NoError(t, err)
	keys := make([]string, 0, len(msgs))
	for _, m := range msgs {
		keys = append(keys, m.RoutingKey)
	}
	return keys
}

func ensured(name string, url string) provisioning.EnsureResult {
	return provisioning.EnsureResult{AccountName: name, URL: url}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
