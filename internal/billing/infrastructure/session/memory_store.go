package session

import (
	"context"
	"sync"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
)

type entry struct {
	paymentID string
	expiresAt time.Time
}

// MemoryStore is a process-local SessionStore used when Redis is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[int64]entry
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[int64]entry), now: time.Now}
}

// Put remembers the pending payment for ttl.
func (s *MemoryStore) Put(_ context.Context, userID int64, gatewayPaymentID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userID] = entry{paymentID: gatewayPaymentID, expiresAt: s.now().Add(ttl)}
	return nil
}

// Get returns the pending payment id if it has not expired.
func (s *MemoryStore) Get(_ context.Context, userID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok {
		return "", domain.ErrNoPendingPayment
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, userID)
		return "", domain.ErrNoPendingPayment
	}
	return e.paymentID, nil
}

// Delete forgets the pending payment.
func (s *MemoryStore) Delete(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
	return nil
}
