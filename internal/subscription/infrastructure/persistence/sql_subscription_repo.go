package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/database"
	"github.com/google/uuid"
)

const selectSubscriptionColumns = `
	SELECT id, user_id, panel_account_name, expires_at, is_active, auto_renew,
	       payment_instrument_ref, provisioning_url, version, created_at, updated_at
	FROM subscriptions
`

// SQLSubscriptionRepository implements domain.Repository on PostgreSQL or SQLite.
type SQLSubscriptionRepository struct {
	conn database.Connection
}

// NewSQLSubscriptionRepository creates a subscription repository.
func NewSQLSubscriptionRepository(conn database.Connection) *SQLSubscriptionRepository {
	return &SQLSubscriptionRepository{conn: conn}
}

func (r *SQLSubscriptionRepository) exec(ctx context.Context) database.Executor {
	return database.ExecutorFromContext(ctx, r.conn)
}

// FindByUserID returns the user's current subscription.
func (r *SQLSubscriptionRepository) FindByUserID(ctx context.Context, userID int64) (*domain.Subscription, error) {
	row := r.exec(ctx).QueryRow(ctx, selectSubscriptionColumns+` WHERE user_id = ?`, userID)
	return scanOne(row)
}

// FindByID returns a subscription by id.
func (r *SQLSubscriptionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	row := r.exec(ctx).QueryRow(ctx, selectSubscriptionColumns+` WHERE id = ?`, id)
	return scanOne(row)
}

// Create inserts the user's current row.
func (r *SQLSubscriptionRepository) Create(ctx context.Context, s *domain.Subscription) error {
	if s.Version == 0 {
		s.Version = 1
	}
	_, err := r.exec(ctx).Exec(ctx, `
		INSERT INTO subscriptions (
			id, user_id, panel_account_name, expires_at, is_active, auto_renew,
			payment_instrument_ref, provisioning_url, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID, s.UserID, s.PanelAccountName, s.ExpiresAt.UTC(), s.IsActive, s.AutoRenew,
		s.PaymentInstrumentRef, s.ProvisioningURL, s.Version, s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return sharedDomain.ConflictError(fmt.Sprintf("create subscription for user %d", s.UserID), err)
		}
		return fmt.Errorf("create subscription for user %d: %w", s.UserID, err)
	}
	return nil
}

// Update writes s guarded by its version.
func (r *SQLSubscriptionRepository) Update(ctx context.Context, s *domain.Subscription) error {
	result, err := r.exec(ctx).Exec(ctx, `
		UPDATE subscriptions
		SET expires_at = ?, is_active = ?, auto_renew = ?, payment_instrument_ref = ?,
		    provisioning_url = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		s.ExpiresAt.UTC(), s.IsActive, s.AutoRenew, s.PaymentInstrumentRef,
		s.ProvisioningURL, s.UpdatedAt.UTC(), s.ID, s.Version,
	)
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", s.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update subscription %s at version %d: %w", s.ID, s.Version, domain.ErrStaleSubscription)
	}
	s.Version++
	return nil
}

// DeactivateIfActive flips is_active when the row is still active at the
// guarded version. A grant committed after the caller's read bumps the
// version, so the flip matches no row.
func (r *SQLSubscriptionRepository) DeactivateIfActive(ctx context.Context, id uuid.UUID, guard domain.DeactivateGuard, at time.Time) (bool, error) {
	query := `
		UPDATE subscriptions
		SET is_active = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND is_active = ? AND version = ?`
	args := []any{false, at.UTC(), id, true, guard.Version}
	if !guard.ExpiredBy.IsZero() {
		query += ` AND expires_at <= ?`
		args = append(args, guard.ExpiredBy.UTC())
	}
	result, err := r.exec(ctx).Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("deactivate subscription %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetAutoRenew toggles auto-renewal for the user's subscription.
func (r *SQLSubscriptionRepository) SetAutoRenew(ctx context.Context, userID int64, enabled bool) error {
	result, err := r.exec(ctx).Exec(ctx, `
		UPDATE subscriptions SET auto_renew = ?, version = version + 1, updated_at = ? WHERE user_id = ?
	`, enabled, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("set auto-renew for user %d: %w", userID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

// SetProvisioningURL caches the panel access URL.
func (r *SQLSubscriptionRepository) SetProvisioningURL(ctx context.Context, id uuid.UUID, url string) error {
	_, err := r.exec(ctx).Exec(ctx,
		`UPDATE subscriptions SET provisioning_url = ? WHERE id = ?`, url, id)
	if err != nil {
		return fmt.Errorf("set provisioning url on %s: %w", id, err)
	}
	return nil
}

// FindDueForRenewal selects active auto-renewing subscriptions with a stored
// instrument that expire before filter.Until and have no recent pending renewal.
func (r *SQLSubscriptionRepository) FindDueForRenewal(ctx context.Context, filter domain.DueFilter) ([]*domain.Subscription, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	return r.query(ctx, selectSubscriptionColumns+`
		WHERE is_active = ?
		  AND auto_renew = ?
		  AND payment_instrument_ref <> ''
		  AND expires_at <= ?
		  AND NOT EXISTS (
		      SELECT 1 FROM payments p
		      WHERE p.user_id = subscriptions.user_id
		        AND p.kind = 'renewal'
		        AND p.status = 'pending'
		        AND p.created_at > ?
		  )
		ORDER BY expires_at
		LIMIT ?
	`, true, true, filter.Until.UTC(), filter.PendingSince.UTC(), limit)
}

// FindExpired selects active subscriptions whose expiry has passed.
func (r *SQLSubscriptionRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Subscription, error) {
	if limit <= 0 {
		limit = 500
	}
	return r.query(ctx, selectSubscriptionColumns+`
		WHERE is_active = ? AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?
	`, true, now.UTC(), limit)
}

// ListActive pages through active subscriptions by id.
func (r *SQLSubscriptionRepository) ListActive(ctx context.Context, after uuid.UUID, limit int) ([]*domain.Subscription, error) {
	if limit <= 0 {
		limit = 200
	}
	return r.query(ctx, selectSubscriptionColumns+`
		WHERE is_active = ? AND id > ?
		ORDER BY id
		LIMIT ?
	`, true, after, limit)
}

// AppendHistory adds an entry to the append-only change log.
func (r *SQLSubscriptionRepository) AppendHistory(ctx context.Context, entry domain.HistoryEntry) error {
	var prev *time.Time
	if entry.PreviousExpiresAt != nil {
		p := entry.PreviousExpiresAt.UTC()
		prev = &p
	}
	_, err := r.exec(ctx).Exec(ctx, `
		INSERT INTO subscription_history (
			subscription_id, user_id, change, previous_expires_at, expires_at,
			is_active, gateway_payment_id, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.SubscriptionID, entry.UserID, string(entry.Change), prev, entry.ExpiresAt.UTC(),
		entry.IsActive, entry.GatewayPaymentID, entry.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append history for %s: %w", entry.SubscriptionID, err)
	}
	return nil
}

// History returns the newest entries first.
func (r *SQLSubscriptionRepository) History(ctx context.Context, userID int64, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.exec(ctx).Query(ctx, `
		SELECT id, subscription_id, user_id, change, previous_expires_at, expires_at,
		       is_active, gateway_payment_id, recorded_at
		FROM subscription_history
		WHERE user_id = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history for user %d: %w", userID, err)
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		var (
			e      domain.HistoryEntry
			change string
		)
		if err := rows.Scan(
			&e.ID, &e.SubscriptionID, &e.UserID, &change, &e.PreviousExpiresAt,
			&e.ExpiresAt, &e.IsActive, &e.GatewayPaymentID, &e.RecordedAt,
		); err != nil {
			return nil, err
		}
		e.Change = domain.Change(change)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *SQLSubscriptionRepository) query(ctx context.Context, query string, args ...any) ([]*domain.Subscription, error) {
	rows, err := r.exec(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*domain.Subscription
	for rows.Next() {
		s, err := scan(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func scanOne(row database.Row) (*domain.Subscription, error) {
	s, err := scan(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return s, nil
}

func scan(row database.Row) (*domain.Subscription, error) {
	s := &domain.Subscription{}
	err := row.Scan(
		&s.ID, &s.UserID, &s.PanelAccountName, &s.ExpiresAt, &s.IsActive, &s.AutoRenew,
		&s.PaymentInstrumentRef, &s.ProvisioningURL, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}
