package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/referral/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/database"
)

const selectReferralColumns = `
	SELECT referrer_id, referred_id, rewarded, claimed_at, created_at, rewarded_at
	FROM referrals
`

// SQLReferralRepository implements domain.Repository on PostgreSQL or SQLite.
type SQLReferralRepository struct {
	conn database.Connection
}

// NewSQLReferralRepository creates a referral repository.
func NewSQLReferralRepository(conn database.Connection) *SQLReferralRepository {
	return &SQLReferralRepository{conn: conn}
}

func (r *SQLReferralRepository) exec(ctx context.Context) database.Executor {
	return database.ExecutorFromContext(ctx, r.conn)
}

// Register inserts the referral; an existing row for the referred user wins.
func (r *SQLReferralRepository) Register(ctx context.Context, ref *domain.Referral) (bool, error) {
	result, err := r.exec(ctx).Exec(ctx, `
		INSERT INTO referrals (referred_id, referrer_id, rewarded, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (referred_id) DO NOTHING
	`, ref.ReferredID, ref.ReferrerID, false, ref.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("register referral of user %d: %w", ref.ReferredID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FindByReferred returns the referral of a referred user.
func (r *SQLReferralRepository) FindByReferred(ctx context.Context, referredID int64) (*domain.Referral, error) {
	ref, err := scanReferral(r.exec(ctx).QueryRow(ctx, selectReferralColumns+` WHERE referred_id = ?`, referredID))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, domain.ErrReferralNotFound
		}
		return nil, fmt.Errorf("find referral of user %d: %w", referredID, err)
	}
	return ref, nil
}

// Claim sets claimed_at on an unrewarded referral whose lease is free.
func (r *SQLReferralRepository) Claim(ctx context.Context, referredID int64, now time.Time, lease time.Duration) (bool, error) {
	now = now.UTC()
	result, err := r.exec(ctx).Exec(ctx, `
		UPDATE referrals SET claimed_at = ?
		WHERE referred_id = ?
		  AND rewarded = ?
		  AND (claimed_at IS NULL OR claimed_at < ?)
	`, now, referredID, false, now.Add(-lease))
	if err != nil {
		return false, fmt.Errorf("claim referral of user %d: %w", referredID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release clears the lease of an unrewarded referral.
func (r *SQLReferralRepository) Release(ctx context.Context, referredID int64) error {
	_, err := r.exec(ctx).Exec(ctx, `
		UPDATE referrals SET claimed_at = NULL WHERE referred_id = ? AND rewarded = ?
	`, referredID, false)
	if err != nil {
		return fmt.Errorf("release referral of user %d: %w", referredID, err)
	}
	return nil
}

// MarkRewarded flips rewarded from false to true.
func (r *SQLReferralRepository) MarkRewarded(ctx context.Context, referredID int64, now time.Time) (bool, error) {
	result, err := r.exec(ctx).Exec(ctx, `
		UPDATE referrals SET rewarded = ?, rewarded_at = ?, claimed_at = NULL
		WHERE referred_id = ? AND rewarded = ?
	`, true, now.UTC(), referredID, false)
	if err != nil {
		return false, fmt.Errorf("mark referral of user %d rewarded: %w", referredID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListUnrewarded returns unrewarded referrals older than createdBefore.
func (r *SQLReferralRepository) ListUnrewarded(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.Referral, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.exec(ctx).Query(ctx, selectReferralColumns+`
		WHERE rewarded = ? AND created_at < ?
		ORDER BY created_at
		LIMIT ?
	`, false, createdBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list unrewarded referrals: %w", err)
	}
	defer rows.Close()

	var referrals []*domain.Referral
	for rows.Next() {
		ref, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		referrals = append(referrals, ref)
	}
	return referrals, rows.Err()
}

// Stats counts the referrer's referrals.
func (r *SQLReferralRepository) Stats(ctx context.Context, referrerID int64) (int, int, error) {
	var total, rewarded int
	err := r.exec(ctx).QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN rewarded THEN 1 ELSE 0 END), 0)
		FROM referrals WHERE referrer_id = ?
	`, referrerID).Scan(&total, &rewarded)
	if err != nil {
		return 0, 0, fmt.Errorf("referral stats of user %d: %w", referrerID, err)
	}
	return total, rewarded, nil
}

func scanReferral(row database.Row) (*domain.Referral, error) {
	var ref domain.Referral
	err := row.Scan(&ref.ReferrerID, &ref.ReferredID, &ref.Rewarded, &ref.ClaimedAt, &ref.CreatedAt, &ref.RewardedAt)
	if err != nil {
		return nil, err
	}
	ref.CreatedAt = ref.CreatedAt.UTC()
	return &ref, nil
}
