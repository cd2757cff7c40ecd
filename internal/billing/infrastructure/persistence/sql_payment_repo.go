package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/database"
	"github.com/google/uuid"
)

const selectPaymentColumns = `
	SELECT id, user_id, gateway_payment_id, amount, currency, kind, status,
	       subscription_id, instrument_ref, claimed_at, created_at, updated_at
	FROM payments
`

const insertPaymentSQL = `
	INSERT INTO payments (
		id, user_id, gateway_payment_id, amount, currency, kind, status,
		subscription_id, instrument_ref, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// SQLPaymentRepository implements domain.Repository on PostgreSQL or SQLite.
type SQLPaymentRepository struct {
	conn database.Connection
}

// NewSQLPaymentRepository creates a payment repository.
func NewSQLPaymentRepository(conn database.Connection) *SQLPaymentRepository {
	return &SQLPaymentRepository{conn: conn}
}

func (r *SQLPaymentRepository) exec(ctx context.Context) database.Executor {
	return database.ExecutorFromContext(ctx, r.conn)
}

func insertArgs(p *domain.Payment) []any {
	return []any{
		p.ID, p.UserID, p.GatewayPaymentID, p.Money.Amount, p.Money.Currency, string(p.Kind), string(p.Status),
		p.SubscriptionID, p.InstrumentRef, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	}
}

// Create inserts a payment.
func (r *SQLPaymentRepository) Create(ctx context.Context, p *domain.Payment) error {
	if _, err := r.exec(ctx).Exec(ctx, insertPaymentSQL, insertArgs(p)...); err != nil {
		if database.IsUniqueViolation(err) {
			return sharedDomain.ConflictError("create payment "+p.GatewayPaymentID, err)
		}
		return fmt.Errorf("create payment %s: %w", p.GatewayPaymentID, err)
	}
	return nil
}

// InsertIfAbsent inserts p unless its gateway id is already recorded.
func (r *SQLPaymentRepository) InsertIfAbsent(ctx context.Context, p *domain.Payment) (bool, error) {
	result, err := r.exec(ctx).Exec(ctx, insertPaymentSQL+` ON CONFLICT (gateway_payment_id) DO NOTHING`, insertArgs(p)...)
	if err != nil {
		return false, fmt.Errorf("insert payment %s: %w", p.GatewayPaymentID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FindByGatewayID returns the payment recorded for a gateway id.
func (r *SQLPaymentRepository) FindByGatewayID(ctx context.Context, gatewayPaymentID string) (*domain.Payment, error) {
	p, err := scanPayment(r.exec(ctx).QueryRow(ctx, selectPaymentColumns+` WHERE gateway_payment_id = ?`, gatewayPaymentID))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("find payment %s: %w", gatewayPaymentID, err)
	}
	return p, nil
}

// Claim sets claimed_at when the payment is pending and unclaimed or its
// lease has lapsed. Exactly one concurrent caller sees true.
func (r *SQLPaymentRepository) Claim(ctx context.Context, gatewayPaymentID string, now time.Time, lease time.Duration) (bool, error) {
	now = now.UTC()
	result, err := r.exec(ctx).Exec(ctx, `
		UPDATE payments
		SET claimed_at = ?, updated_at = ?
		WHERE gateway_payment_id = ?
		  AND status = ?
		  AND (claimed_at IS NULL OR claimed_at < ?)
	`, now, now, gatewayPaymentID, string(domain.StatusPending), now.Add(-lease))
	if err != nil {
		return false, fmt.Errorf("claim payment %s: %w", gatewayPaymentID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release clears the lease of a still-pending payment.
func (r *SQLPaymentRepository) Release(ctx context.Context, gatewayPaymentID string) error {
	_, err := r.exec(ctx).Exec(ctx, `
		UPDATE payments SET claimed_at = NULL WHERE gateway_payment_id = ? AND status = ?
	`, gatewayPaymentID, string(domain.StatusPending))
	if err != nil {
		return fmt.Errorf("release payment %s: %w", gatewayPaymentID, err)
	}
	return nil
}

// Complete marks a pending payment succeeded and links its subscription.
func (r *SQLPaymentRepository) Complete(ctx context.Context, gatewayPaymentID string, subscriptionID uuid.UUID, instrumentRef string, now time.Time) (bool, error) {
	result, err := r.exec(ctx).Exec(ctx, `
		UPDATE payments
		SET status = ?, subscription_id = ?, instrument_ref = ?, claimed_at = NULL, updated_at = ?
		WHERE gateway_payment_id = ? AND status = ?
	`, string(domain.StatusSucceeded), subscriptionID, instrumentRef, now.UTC(), gatewayPaymentID, string(domain.StatusPending))
	if err != nil {
		return false, fmt.Errorf("complete payment %s: %w", gatewayPaymentID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Cancel marks a pending payment canceled.
func (r *SQLPaymentRepository) Cancel(ctx context.Context, gatewayPaymentID string, now time.Time) (bool, error) {
	result, err := r.exec(ctx).Exec(ctx, `
		UPDATE payments SET status = ?, claimed_at = NULL, updated_at = ?
		WHERE gateway_payment_id = ? AND status = ?
	`, string(domain.StatusCanceled), now.UTC(), gatewayPaymentID, string(domain.StatusPending))
	if err != nil {
		return false, fmt.Errorf("cancel payment %s: %w", gatewayPaymentID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListByUser returns the user's payments, newest first.
func (r *SQLPaymentRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*domain.Payment, error) {
	if limit <= 0 {
		limit = 20
	}
	return r.query(ctx, selectPaymentColumns+`
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
}

// ListPending returns pending payments older than createdBefore, oldest first.
func (r *SQLPaymentRepository) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, selectPaymentColumns+`
		WHERE status = ? AND created_at < ?
		ORDER BY created_at
		LIMIT ?
	`, string(domain.StatusPending), createdBefore.UTC(), limit)
}

func (r *SQLPaymentRepository) query(ctx context.Context, query string, args ...any) ([]*domain.Payment, error) {
	rows, err := r.exec(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var payments []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func scanPayment(row database.Row) (*domain.Payment, error) {
	var (
		p            domain.Payment
		kind, status string
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.GatewayPaymentID, &p.Money.Amount, &p.Money.Currency, &kind, &status,
		&p.SubscriptionID, &p.InstrumentRef, &p.ClaimedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Kind = domain.Kind(kind)
	p.Status = domain.Status(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}
