package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/database/dbtest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPayment(t *testing.T, userID int64, gatewayID string, created time.Time) *domain.Payment {
	t.Helper()
	p, err := domain.NewPayment(userID, gatewayID, domain.Money{Amount: 29900, Currency: "RUB"}, domain.KindPurchase, created)
	require.NoError(t, err)
	return p
}

func TestSQLPaymentRepository_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLPaymentRepository(dbtest.NewSQLite(t))

	p := newPayment(t, 1, "gw-1", time.Now())
	require.NoError(t, repo.Create(ctx, p))

	found, err := repo.FindByGatewayID(ctx, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, found.ID)
	assert.Equal(t, domain.StatusPending, found.Status)
	assert.Equal(t, domain.Money{Amount: 29900, Currency: "RUB"}, found.Money)
	assert.False(t, found.SubscriptionID.Valid)
	assert.Nil(t, found.ClaimedAt)

	_, err = repo.FindByGatewayID(ctx, "gw-missing")
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)

	err = repo.Create(ctx, newPayment(t, 1, "gw-1", time.Now()))
	assert.ErrorIs(t, err, sharedDomain.ErrConflict)
}

func TestSQLPaymentRepository_InsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLPaymentRepository(dbtest.NewSQLite(t))

	inserted, err := repo.InsertIfAbsent(ctx, newPayment(t, 2, "gw-2", time.Now()))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.InsertIfAbsent(ctx, newPayment(t, 2, "gw-2", time.Now()))
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestSQLPaymentRepository_ClaimIsExclusiveUntilLeaseLapses(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLPaymentRepository(dbtest.NewSQLite(t))
	require.NoError(t, repo.Create(ctx, newPayment(t, 3, "gw-3", time.Now())))

	now := time.Now().UTC()
	ok, err := repo.Claim(ctx, "gw-3", now, 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Claim(ctx, "gw-3", now.Add(time.Minute), 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lease still held")

	ok, err = repo.Claim(ctx, "gw-3", now.Add(3*time.Minute), 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lapsed lease can be taken over")

	require.NoError(t, repo.Release(ctx, "gw-3"))
	ok, err = repo.Claim(ctx, "gw-3", now.Add(3*time.Minute), 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released lease can be retaken")
}

func TestSQLPaymentRepository_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLPaymentRepository(dbtest.NewSQLite(t))
	require.NoError(t, repo.Create(ctx, newPayment(t, 4, "gw-4", time.Now())))

	var winners atomic.Int32
	var wg sync.WaitGroup
	now := time.Now()
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Claim(ctx, "gw-4", now, time.Minute)
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestSQLPaymentRepository_CompleteOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLPaymentRepository(dbtest.NewSQLite(t))
	require.NoError(t, repo.Create(ctx, newPayment(t, 5, "gw-5", time.Now())))

	subID := uuid.New()
	ok, err := repo.Complete(ctx, "gw-5", subID, "pm_saved", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Complete(ctx, "gw-5", uuid.New(), "", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := repo.FindByGatewayID(ctx, "gw-5")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, stored.Status)
	assert.Equal(t, uuid.NullUUID{UUID: subID, Valid: true}, stored.SubscriptionID)
	assert.Equal(t, "pm_saved", stored.InstrumentRef)
	assert.Nil(t, stored.ClaimedAt)

	ok, err = repo.Claim(ctx, "gw-5", time.Now(), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "succeeded payments cannot be claimed")

	ok, err = repo.Cancel(ctx, "gw-5", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "terminal status never changes")
}

func TestSQLPaymentRepository_CancelAndList(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLPaymentRepository(dbtest.NewSQLite(t))
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, newPayment(t, 6, "gw-old", now.Add(-2*time.Hour))))
	require.NoError(t, repo.Create(ctx, newPayment(t, 6, "gw-new", now.Add(-time.Minute))))
	require.NoError(t, repo.Create(ctx, newPayment(t, 7, "gw-other", now.Add(-3*time.Hour))))

	ok, err := repo.Cancel(ctx, "gw-other", now)
	require.NoError(t, err)
	assert.True(t, ok)

	history, err := repo.ListByUser(ctx, 6, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "gw-new", history[0].GatewayPaymentID)

	pending, err := repo.ListPending(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "gw-old", pending[0].GatewayPaymentID)
}
