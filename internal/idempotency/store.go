package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"notification-gateway/internal/db"
)

// TTL is how long a submitted idempotency key maps to its notification.
const TTL = 24 * time.Hour

// Store deduplicates submissions on the client-supplied idempotency
// key, scoped per tenant.
type Store struct {
	redis  *db.RedisClient
	logger *zap.Logger
}

func NewStore(redis *db.RedisClient, logger *zap.Logger) *Store {
	return &Store{redis: redis, logger: logger}
}

func cacheKey(tenantID uuid.UUID, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", tenantID, key)
}

// Lookup returns the notification id previously stored for this key, or
// uuid.Nil when the key is unseen. An empty key never matches.
func (s *Store) Lookup(ctx context.Context, tenantID uuid.UUID, key string) (uuid.UUID, error) {
	if key == "" {
		return uuid.Nil, nil
	}

	raw, err := s.redis.Get(ctx, cacheKey(tenantID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		s.logger.Warn("discarding malformed idempotency entry",
			zap.String("key", key), zap.Error(err))
		return uuid.Nil, nil
	}
	return id, nil
}

// Reserve claims the key for notificationID. It returns the already
// stored id when another submission won the race, so callers can hand
// back the original notification.
func (s *Store) Reserve(ctx context.Context, tenantID uuid.UUID, key string, notificationID uuid.UUID) (uuid.UUID, error) {
	if key == "" {
		return notificationID, nil
	}

	ok, err := s.redis.SetNX(ctx, cacheKey(tenantID, key), notificationID.String(), TTL).Result()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if ok {
		return notificationID, nil
	}
	return s.Lookup(ctx, tenantID, key)
}
