// Package apptest builds a fully wired container over SQLite and in-memory
// panel and gateway fakes.
package apptest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/app"
	"github.com/felixgeelhaar/tunnelgate/internal/billing/billingtest"
	"github.com/felixgeelhaar/tunnelgate/internal/billing/infrastructure/session"
	"github.com/felixgeelhaar/tunnelgate/internal/provisioning/provisioningtest"
	"github.com/felixgeelhaar/tunnelgate/pkg/config"
	"github.com/stretchr/testify/require"
)

// Env is a container with handles on its fakes.
type Env struct {
	*app.Container
	Panel   *provisioningtest.FakePanel
	Gateway *billingtest.FakeGateway
}

// Config returns a local configuration with a ledger in t's temp dir.
func Config(t testing.TB) *config.Config {
	t.Helper()
	return &config.Config{
		AppEnv:              "test",
		SQLitePath:          filepath.Join(t.TempDir(), "ledger.db"),
		PlanName:            "VPN Pro",
		PlanPrice:           29900,
		PlanCurrency:        "RUB",
		PlanDays:            30,
		GiftDays:            3,
		ReferralBonusDays:   7,
		PanelURL:            "https://panel.test",
		GatewayShopID:       "shop",
		GatewaySecretKey:    "secret",
		GatewayReturnURL:    "https://bot.test/paid",
		RenewalSchedule:     "@hourly",
		RenewalLookahead:    24 * time.Hour,
		RenewalConcurrency:  2,
		RenewalPendingGrace: time.Hour,
		ExpirySchedule:      "@hourly",
		ResyncSchedule:      "@every 6h",
		ReferralSchedule:    "@every 15m",
		PendingSchedule:     "@every 10m",
		PendingMinAge:       10 * time.Minute,
		ClaimLease:          2 * time.Minute,
		SessionTTL:          30 * time.Minute,
		OutboxPollInterval:  10 * time.Millisecond,
		OutboxBatchSize:     50,
		OutboxMaxRetries:    3,
	}
}

// New builds an Env from Config(t). The container is closed on cleanup.
func New(t testing.TB) *Env {
	t.Helper()
	return NewWithConfig(t, Config(t))
}

// NewWithConfig builds an Env from cfg.
func NewWithConfig(t testing.TB, cfg *config.Config) *Env {
	t.Helper()
	env := &Env{
		Panel:   provisioningtest.NewFakePanel(),
		Gateway: billingtest.NewFakeGateway(),
	}
	c, err := app.NewContainer(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		app.WithPanelClient(env.Panel),
		app.WithPaymentGateway(env.Gateway),
		app.WithSessionStore(session.NewMemoryStore()),
	)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	env.Container = c
	return env
}

// Drain publishes the outbox until it is empty.
func (e *Env) Drain(t testing.TB) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, e.OutboxProcessor.ProcessOnce(ctx))
		pending, err := e.OutboxRepo.GetUnpublished(ctx, 10)
		require.NoError(t, err)
		if len(pending) == 0 {
			return
		}
	}
	t.Fatal("outbox did not drain")
}
