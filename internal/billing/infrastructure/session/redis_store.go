// Package session keeps the pending payment a user is paying for.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a pending payment is remembered.
const DefaultTTL = 30 * time.Minute

// RedisStore implements domain.SessionStore with keys pay_id:{user_id}.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func key(userID int64) string {
	return "pay_id:" + strconv.FormatInt(userID, 10)
}

// Put remembers the pending payment for ttl.
func (s *RedisStore) Put(ctx context.Context, userID int64, gatewayPaymentID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := s.client.Set(ctx, key(userID), gatewayPaymentID, ttl).Err(); err != nil {
		return fmt.Errorf("store pending payment for user %d: %w", userID, err)
	}
	return nil
}

// Get returns the pending payment id.
func (s *RedisStore) Get(ctx context.Context, userID int64) (string, error) {
	id, err := s.client.Get(ctx, key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNoPendingPayment
	}
	if err != nil {
		return "", fmt.Errorf("load pending payment for user %d: %w", userID, err)
	}
	return id, nil
}

// Delete forgets the pending payment.
func (s *RedisStore) Delete(ctx context.Context, userID int64) error {
	return s.client.Del(ctx, key(userID)).Err()
}
