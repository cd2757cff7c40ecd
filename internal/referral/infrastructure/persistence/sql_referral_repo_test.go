package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/referral/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/database/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func referral(t *testing.T, referrer, referred int64, at time.Time) *domain.Referral {
	t.Helper()
	r, err := domain.NewReferral(referrer, referred, at)
	require.NoError(t, err)
	return r
}

func TestSQLReferralRepository_FirstRegistrationWins(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLReferralRepository(dbtest.NewSQLite(t))

	inserted, err := repo.Register(ctx, referral(t, 1, 2, time.Now()))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Register(ctx, referral(t, 9, 2, time.Now()))
	require.NoError(t, err)
	assert.False(t, inserted)

	found, err := repo.FindByReferred(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), found.ReferrerID)
	assert.False(t, found.Rewarded)
	assert.Nil(t, found.ClaimedAt)
	assert.Nil(t, found.RewardedAt)

	_, err = repo.FindByReferred(ctx, 404)
	assert.ErrorIs(t, err, domain.ErrReferralNotFound)
}

func TestSQLReferralRepository_ClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLReferralRepository(dbtest.NewSQLite(t))
	_, err := repo.Register(ctx, referral(t, 1, 3, time.Now()))
	require.NoError(t, err)

	now := time.Now().UTC()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Claim(ctx, 3, now, time.Minute)
			if assert.NoError(t, err) && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	ok, err := repo.Claim(ctx, 3, now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lapsed lease can be taken over")

	require.NoError(t, repo.Release(ctx, 3))
	ok, err = repo.Claim(ctx, 3, now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLReferralRepository_MarkRewardedOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLReferralRepository(dbtest.NewSQLite(t))
	_, err := repo.Register(ctx, referral(t, 1, 4, time.Now()))
	require.NoError(t, err)

	ok, err := repo.MarkRewarded(ctx, 4, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkRewarded(ctx, 4, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Claim(ctx, 4, time.Now(), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "rewarded referral cannot be claimed")

	found, err := repo.FindByReferred(ctx, 4)
	require.NoError(t, err)
	assert.True(t, found.Rewarded)
	assert.NotNil(t, found.RewardedAt)
}

func TestSQLReferralRepository_ListUnrewardedAndStats(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLReferralRepository(dbtest.NewSQLite(t))
	old := time.Now().Add(-time.Hour)

	for _, referred := range []int64{10, 11, 12} {
		_, err := repo.Register(ctx, referral(t, 1, referred, old))
		require.NoError(t, err)
	}
	_, err := repo.Register(ctx, referral(t, 1, 13, time.Now()))
	require.NoError(t, err)
	_, err = repo.MarkRewarded(ctx, 11, time.Now())
	require.NoError(t, err)

	pending, err := repo.ListUnrewarded(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.ElementsMatch(t, []int64{10, 12}, []int64{pending[0].ReferredID, pending[1].ReferredID})

	total, rewarded, err := repo.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, 1, rewarded)

	total, rewarded, err = repo.Stats(ctx, 99)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, rewarded)
}
