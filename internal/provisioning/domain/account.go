package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AccountPrefix prefixes every panel account name.
const AccountPrefix = "tg_"

var (
	ErrAccountNotFound = errors.New("panel account not found")
	ErrInvalidName     = errors.New("invalid panel account name")
	ErrInvalidDays     = errors.New("validity days must not be negative")
)

// AccountStatus mirrors the panel's account status field.
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountDisabled AccountStatus = "disabled"
	AccountLimited  AccountStatus = "limited"
	AccountExpired  AccountStatus = "expired"
	AccountOnHold   AccountStatus = "on_hold"
)

// Account is the panel's view of a network-access account.
// Proxies, Inbounds and DataLimit are carried opaquely so that an update can
// send them back unchanged.
type Account struct {
	Name                   string
	Status                 AccountStatus
	ExpireAt               time.Time // zero means unlimited
	DataLimit              int64
	DataLimitResetStrategy string
	Proxies                map[string]map[string]any
	Inbounds               map[string][]string
	GroupIDs               []int
	SubscriptionURL        string
}

// IsUnlimited reports whether the account has no expiry.
func (a *Account) IsUnlimited() bool {
	return a.ExpireAt.IsZero()
}

// IsActiveAt reports whether the panel will let the account connect at t.
func (a *Account) IsActiveAt(t time.Time) bool {
	if a.Status != AccountActive {
		return false
	}
	return a.IsUnlimited() || a.ExpireAt.After(t)
}

// AccountName derives the deterministic panel account name for a user.
func AccountName(userID int64) string {
	return AccountPrefix + strconv.FormatInt(userID, 10)
}

// UserIDFromAccountName is the inverse of AccountName.
func UserIDFromAccountName(name string) (int64, error) {
	raw, ok := strings.CutPrefix(name, AccountPrefix)
	if !ok || raw == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return id, nil
}

// ExtendExpiry returns max(current, now) + days. It never returns a value
// earlier than current.
func ExtendExpiry(current, now time.Time, days int) time.Time {
	base := current
	if now.After(base) {
		base = now
	}
	return base.Add(time.Duration(days) * 24 * time.Hour)
}
