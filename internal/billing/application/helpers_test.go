package application

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/billing/billingtest"
	"github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/billing/infrastructure/persistence"
	"github.com/felixgeelhaar/tunnelgate/internal/billing/infrastructure/session"
	provisioningApp "github.com/felixgeelhaar/tunnelgate/internal/provisioning/application"
	provisioning "github.com/felixgeelhaar/tunnelgate/internal/provisioning/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/provisioning/provisioningtest"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/database/dbtest"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/outbox"
	subscriptionCommands "github.com/felixgeelhaar/tunnelgate/internal/subscription/application/commands"
	subscription "github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
	subscriptionPersistence "github.com/felixgeelhaar/tunnelgate/internal/subscription/infrastructure/persistence"
	"github.com/felixgeelhaar/tunnelgate/pkg/observability"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const planDays = 30

var planPrice = domain.Money{Amount: 29900, Currency: "RUB"}

// world wires the billing flows to a real ledger, a fake panel and a fake
// gateway.
type world struct {
	subs       *subscriptionPersistence.SQLSubscriptionRepository
	payments   *persistence.SQLPaymentRepository
	outbox     *outbox.SQLRepository
	uow        *database.GenericUnitOfWork
	panel      *provisioningtest.FakePanel
	gateway    *billingtest.FakeGateway
	sessions   *session.MemoryStore
	metrics    *observability.InMemoryMetrics
	deactivate *subscriptionCommands.DeactivateHandler
	reconciler *Reconciler
}

func newWorld(t *testing.T) *world {
	t.Helper()
	conn := dbtest.NewSQLite(t)
	logger := quietLogger()

	w := &world{
		subs:     subscriptionPersistence.NewSQLSubscriptionRepository(conn),
		payments: persistence.NewSQLPaymentRepository(conn),
		outbox:   outbox.NewSQLRepository(conn),
		uow:      database.NewUnitOfWork(conn),
		panel:    provisioningtest.NewFakePanel(),
		gateway:  billingtest.NewFakeGateway(),
		sessions: session.NewMemoryStore(),
		metrics:  observability.NewInMemoryMetrics(),
	}
	provisioner := provisioningApp.NewService(w.panel, logger, w.metrics)
	grant := subscriptionCommands.NewGrantHandler(w.subs, w.outbox, w.uow, provisioner, logger)
	w.deactivate = subscriptionCommands.NewDeactivateHandler(w.subs, w.outbox, w.uow, provisioner, logger, w.metrics)
	w.reconciler = NewReconciler(w.payments, grant, w.outbox, w.uow, ReconcilerConfig{PlanDays: planDays}, logger, w.metrics)
	return w
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pending records a pending purchase the way checkout does.
func (w *world) pending(t *testing.T, userID int64, gatewayID string, kind domain.Kind) *domain.Payment {
	t.Helper()
	p, err := domain.NewPayment(userID, gatewayID, planPrice, kind, time.Now())
	require.NoError(t, err)
	require.NoError(t, w.payments.Create(context.Background(), p))
	return p
}

// subscribed stores an active subscription and its panel account.
func (w *world) subscribed(t *testing.T, userID int64, expiresAt time.Time, instrument string) *subscription.Subscription {
	t.Helper()
	now := time.Now().UTC()
	name := provisioning.AccountName(userID)
	sub := &subscription.Subscription{
		ID:                   uuid.New(),
		UserID:               userID,
		PanelAccountName:     name,
		ExpiresAt:            expiresAt.UTC().Truncate(time.Second),
		IsActive:             true,
		AutoRenew:            true,
		PaymentInstrumentRef: instrument,
		ProvisioningURL:      w.panel.BaseURL + "/sub/" + name,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	require.NoError(t, w.subs.Create(context.Background(), sub))
	w.panel.Put(provisioning.Account{Name: name, Status: provisioning.AccountActive, ExpireAt: sub.ExpiresAt})
	return sub
}

func (w *world) subscription(t *testing.T, userID int64) *subscription.Subscription {
	t.Helper()
	sub, err := w.subs.FindByUserID(context.Background(), userID)
	require.NoError(t, err)
	return sub
}

func (w *world) payment(t *testing.T, gatewayID string) *domain.Payment {
	t.Helper()
	p, err := w.payments.FindByGatewayID(context.Background(), gatewayID)
	require.NoError(t, err)
	return p
}

func (w *world) history(t *testing.T, userID int64) []subscription.HistoryEntry {
	t.Helper()
	entries, err := w.subs.History(context.Background(), userID, 50)
	require.NoError(t, err)
	return entries
}

func (w *world) routingKeys(t *testing.T) []string {
	t.Helper()
	msgs, err := w.outbox.GetUnpublished(context.Background(), 100)
	require.NoError(t, err)
	keys := make([]string, 0, len(msgs))
	for _, m := range msgs {
		keys = append(keys, m.RoutingKey)
	}
	return keys
}
