package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/provisioning/domain"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/felixgeelhaar/tunnelgate/pkg/observability"
)

// ProvisioningError wraps a panel failure for one account.
type ProvisioningError struct {
	Account string
	Op      string
	Err     error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s %s: %v", e.Op, e.Account, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

func provisioningError(op, account string, err error) error {
	var pe *ProvisioningError
	if errors.As(err, &pe) {
		return err
	}
	return &ProvisioningError{Account: account, Op: op, Err: err}
}

// Service is an idempotent layer over a PanelClient.
type Service struct {
	panel   domain.PanelClient
	logger  *slog.Logger
	metrics observability.Metrics
	now     func() time.Time
}

// NewService creates a provisioning service.
func NewService(panel domain.PanelClient, logger *slog.Logger, metrics observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Service{
		panel:   panel,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Ensure makes the account exist and be active for days more days. It reads
// the account first and creates it only when the panel reports it missing, so
// it never depends on how a panel signals "already exists". Calling it again
// with the same arguments converges on the same account.
func (s *Service) Ensure(ctx context.Context, name string, days int) (domain.EnsureResult, error) {
	if days < 0 {
		return domain.EnsureResult{}, provisioningError("ensure", name, domain.ErrInvalidDays)
	}
	timer := observability.StartTimer("provisioning.ensure").WithLogger(s.logger).WithMetrics(s.metrics)

	now := s.now()
	account, err := s.panel.GetAccount(ctx, name)
	switch {
	case errors.Is(err, sharedDomain.ErrNotFound), errors.Is(err, domain.ErrAccountNotFound):
		result, err := s.create(ctx, name, domain.ExtendExpiry(now, now, days))
		timer.StopWithError(err)
		return result, err
	case err != nil:
		timer.StopWithError(err)
		return domain.EnsureResult{}, s.fail("get", name, err)
	}

	current := account.ExpireAt
	if account.IsUnlimited() {
		current = now
	}
	result, err := s.update(ctx, name, domain.ExtendExpiry(current, now, days))
	timer.StopWithError(err)
	return result, err
}

// Align sets the account's expiry to exactly expireAt, creating it if needed.
// Used by re-sync to bring the panel back in line with the ledger.
func (s *Service) Align(ctx context.Context, name string, expireAt time.Time) (domain.EnsureResult, error) {
	_, err := s.panel.GetAccount(ctx, name)
	switch {
	case errors.Is(err, sharedDomain.ErrNotFound), errors.Is(err, domain.ErrAccountNotFound):
		return s.create(ctx, name, expireAt)
	case err != nil:
		return domain.EnsureResult{}, s.fail("get", name, err)
	}
	return s.update(ctx, name, expireAt)
}

// Inspect returns the panel account, or nil when it does not exist.
func (s *Service) Inspect(ctx context.Context, name string) (*domain.Account, error) {
	account, err := s.panel.GetAccount(ctx, name)
	if errors.Is(err, sharedDomain.ErrNotFound) || errors.Is(err, domain.ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("get", name, err)
	}
	return account, nil
}

// Disable switches the account off. A missing account is already off.
func (s *Service) Disable(ctx context.Context, name string) error {
	status := domain.AccountDisabled
	_, err := s.panel.UpdateAccount(ctx, name, domain.AccountUpdate{Status: &status})
	if errors.Is(err, sharedDomain.ErrNotFound) || errors.Is(err, domain.ErrAccountNotFound) {
		return nil
	}
	if err != nil {
		return s.fail("disable", name, err)
	}
	s.logger.Info("panel account disabled", "account", name)
	return nil
}

// Remove deletes the account from the panel.
func (s *Service) Remove(ctx context.Context, name string) error {
	if err := s.panel.DeleteAccount(ctx, name); err != nil {
		return s.fail("delete", name, err)
	}
	s.logger.Info("panel account removed", "account", name)
	return nil
}

// AccessURL returns the subscription URL the user imports into a client.
func (s *Service) AccessURL(ctx context.Context, name string) (string, error) {
	url, err := s.panel.GetAccessURL(ctx, name)
	if err != nil {
		return "", s.fail("access_url", name, err)
	}
	return url, nil
}

func (s *Service) create(ctx context.Context, name string, expireAt time.Time) (domain.EnsureResult, error) {
	account, err := s.panel.CreateAccount(ctx, name, expireAt)
	if err != nil {
		return domain.EnsureResult{}, s.fail("create", name, err)
	}
	s.logger.Info("panel account created", "account", name, "expire_at", expireAt)
	return resultFrom(name, account, expireAt, true), nil
}

func (s *Service) update(ctx context.Context, name string, expireAt time.Time) (domain.EnsureResult, error) {
	status := domain.AccountActive
	account, err := s.panel.UpdateAccount(ctx, name, domain.AccountUpdate{ExpireAt: &expireAt, Status: &status})
	if err != nil {
		return domain.EnsureResult{}, s.fail("update", name, err)
	}
	s.logger.Info("panel account extended", "account", name, "expire_at", expireAt)
	return resultFrom(name, account, expireAt, false), nil
}

func (s *Service) fail(op, name string, err error) error {
	s.metrics.Counter(observability.MetricProvisioningErrors, 1, observability.T("op", op))
	s.logger.Warn("panel call failed", "op", op, "account", name, "error", err)
	return provisioningError(op, name, err)
}

func resultFrom(name string, account *domain.Account, expireAt time.Time, created bool) domain.EnsureResult {
	result := domain.EnsureResult{AccountName: name, ExpireAt: expireAt, Created: created}
	if account != nil {
		result.URL = account.SubscriptionURL
		if !account.ExpireAt.IsZero() {
			result.ExpireAt = account.ExpireAt
		}
	}
	return result
}
