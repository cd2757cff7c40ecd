package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	provisioningApp "github.com/felixgeelhaar/tunnelgate/internal/provisioning/application"
	provisioning "github.com/felixgeelhaar/tunnelgate/internal/provisioning/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/provisioning/provisioningtest"
	"github.com/felixgeelhaar/tunnelgate/internal/referral/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/referral/infrastructure/persistence"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/database/dbtest"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/outbox"
	subscriptionCommands "github.com/felixgeelhaar/tunnelgate/internal/subscription/application/commands"
	subscription "github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
	subscriptionPersistence "github.com/felixgeelhaar/tunnelgate/internal/subscription/infrastructure/persistence"
	"github.com/felixgeelhaar/tunnelgate/pkg/observability"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bonusDays = 7

type fixture struct {
	referrals *persistence.SQLReferralRepository
	subs      *subscriptionPersistence.SQLSubscriptionRepository
	outbox    *outbox.SQLRepository
	panel     *provisioningtest.FakePanel
	metrics   *observability.InMemoryMetrics
	engine    *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.NewSQLite(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		referrals: persistence.NewSQLReferralRepository(conn),
		subs:      subscriptionPersistence.NewSQLSubscriptionRepository(conn),
		outbox:    outbox.NewSQLRepository(conn),
		panel:     provisioningtest.NewFakePanel(),
		metrics:   observability.NewInMemoryMetrics(),
	}
	uow := database.NewUnitOfWork(conn)
	provisioner := provisioningApp.NewService(f.panel, logger, f.metrics)
	grant := subscriptionCommands.NewGrantHandler(f.subs, f.outbox, uow, provisioner, logger)
	f.engine = NewEngine(f.referrals, grant, subscriptionHistory{f.subs}, f.outbox, uow, EngineConfig{BonusDays: bonusDays}, logger, f.metrics)
	return f
}

// subscriptionHistory treats any subscription record as prior history.
type subscriptionHistory struct {
	subs subscription.Repository
}

func (h subscriptionHistory) HasHistory(ctx context.Context, userID int64) (bool, error) {
	_, err := h.subs.FindByUserID(ctx, userID)
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (f *fixture) routingKeys(t *testing.T) []string {
	t.Helper()
	msgs, err := f.outbox.GetUnpublished(context.Background(), 100)
	require.NoError(t, err)
	keys := make([]string, 0, len(msgs))
	for _, m := range msgs {
		keys = append(keys, m.RoutingKey)
	}
	return keys
}

func (f *fixture) register(t *testing.T, referrer, referred int64) {
	t.Helper()
	ok, err := f.engine.Register(context.Background(), RegisterCommand{ReferrerID: referrer, ReferredID: referred})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEngine_RegisterIsFirstWriteWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.engine.Register(ctx, RegisterCommand{ReferrerID: 1, ReferredID: 2})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.engine.Register(ctx, RegisterCommand{ReferrerID: 5, ReferredID: 2})
	require.NoError(t, err)
	assert.False(t, ok)

	ref, err := f.referrals.FindByReferred(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ref.ReferrerID)
	assert.Equal(t, []string{domain.RoutingKeyRegistered}, f.routingKeys(t))

	_, err = f.engine.Register(ctx, RegisterCommand{ReferrerID: 3, ReferredID: 3})
	assert.ErrorIs(t, err, sharedDomain.ErrValidation)
	assert.ErrorIs(t, err, domain.ErrSelfReferral)
}

func TestEngine_RegisterRejectsExistingUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	subscribe := func(userID int64) {
		require.NoError(t, f.subs.Create(ctx, &subscription.Subscription{
			ID:               uuid.New(),
			UserID:           userID,
			PanelAccountName: provisioning.AccountName(userID),
			ExpiresAt:        now.Add(3 * 24 * time.Hour),
			IsActive:         true,
			CreatedAt:        now,
			UpdatedAt:        now,
		}))
	}

	subscribe(2)
	ok, err := f.engine.Register(ctx, RegisterCommand{ReferrerID: 1, ReferredID: 2})
	assert.False(t, ok)
	assert.ErrorIs(t, err, sharedDomain.ErrValidation)
	assert.ErrorIs(t, err, domain.ErrAlreadyRegistered)
	assert.Empty(t, f.routingKeys(t))

	stats, _, err := f.engine.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, stats)

	// a referral recorded before the user subscribed still replays quietly
	f.register(t, 1, 3)
	subscribe(3)
	ok, err = f.engine.Register(ctx, RegisterCommand{ReferrerID: 1, ReferredID: 3})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_RewardCreatesBonusWithoutAutoRenew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, 1, 2)

	res, err := f.engine.Reward(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, RewardGranted, res.Outcome)

	sub, err := f.subs.FindByUserID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, sub.IsActive)
	assert.False(t, sub.AutoRenew)
	assert.WithinDuration(t, time.Now().Add(bonusDays*24*time.Hour), sub.ExpiresAt, time.Minute)

	_, ok := f.panel.Account(provisioning.AccountName(1))
	assert.True(t, ok)

	res, err = f.engine.Reward(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, RewardAlreadyGranted, res.Outcome)
	assert.Equal(t, 1, f.panel.Mutations())

	assert.Equal(t, []string{
		domain.RoutingKeyRegistered,
		subscription.RoutingKeyActivated,
		domain.RoutingKeyRewarded,
	}, f.routingKeys(t))
	assert.Equal(t, int64(1), f.metrics.GetCounter(observability.MetricReferralRewards, observability.T("outcome", "granted")))
}

func TestEngine_RewardExtendsActiveReferrer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(10 * 24 * time.Hour)
	require.NoError(t, f.subs.Create(ctx, &subscription.Subscription{
		ID:               uuid.New(),
		UserID:           1,
		PanelAccountName: provisioning.AccountName(1),
		ExpiresAt:        expires,
		IsActive:         true,
		AutoRenew:        true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}))
	f.panel.Put(provisioning.Account{Name: provisioning.AccountName(1), Status: provisioning.AccountActive, ExpireAt: expires})
	f.register(t, 1, 2)

	_, err := f.engine.Reward(ctx, 2)
	require.NoError(t, err)

	sub, err := f.subs.FindByUserID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, sub.AutoRenew)
	assert.WithinDuration(t, expires.Add(bonusDays*24*time.Hour), sub.ExpiresAt, time.Second)
}

func TestEngine_ReplayedRewardsGrantOnce(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, 2)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Reward(context.Background(), 2)
			if !assert.NoError(t, err) {
				return
			}
			if res.Outcome == RewardGranted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Equal(t, 1, f.panel.Creates)
}

func TestEngine_FailedRewardIsRetriedBySweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.panel.FailCreate = sharedDomain.TransportError("create account", errors.New("panel down"))

	err := f.engine.RegisterAndReward(ctx, RegisterCommand{ReferrerID: 1, ReferredID: 2})
	require.NoError(t, err, "registration never fails on reward errors")

	ref, err := f.referrals.FindByReferred(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ref.Rewarded)
	assert.Nil(t, ref.ClaimedAt)

	f.panel.FailCreate = nil
	f.engine.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	res, err := f.engine.RewardPending(ctx, 10*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, res.Granted)

	ref, err = f.referrals.FindByReferred(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ref.Rewarded)
}

func TestEngine_RewardWithoutReferral(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Reward(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, RewardNoReferral, res.Outcome)
	assert.Zero(t, f.panel.Mutations())
}

func TestEngine_Stats(t *testing.T) {
	f := newFixture(t)
	f.register(t, 1, 2)
	f.register(t, 1, 3)
	_, err := f.engine.Reward(context.Background(), 2)
	require.NoError(t, err)

	total, rewarded, err := f.engine.Stats(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, rewarded)
}
