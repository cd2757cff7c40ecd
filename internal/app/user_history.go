package app

import (
	"context"
	"errors"

	billingDomain "github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	subscriptionDomain "github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
)

// ledgerUsers answers whether a user already has a subscription record or a
// payment in the ledger.
type ledgerUsers struct {
	subs     subscriptionDomain.Repository
	payments billingDomain.Repository
}

func (u ledgerUsers) HasHistory(ctx context.Context, userID int64) (bool, error) {
	_, err := u.subs.FindByUserID(ctx, userID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, subscriptionDomain.ErrSubscriptionNotFound) {
		return false, err
	}
	payments, err := u.payments.ListByUser(ctx, userID, 1)
	if err != nil {
		return false, err
	}
	return len(payments) > 0, nil
}
