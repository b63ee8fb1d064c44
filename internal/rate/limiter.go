package rate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"notification-gateway/internal/db"
	"notification-gateway/internal/notifications"
)

// Op is the operation class being limited.
type Op string

const (
	OpNotification Op = "notification"
	OpStatus       Op = "status"
	OpTemplate     Op = "template"
)

// Limit is a fixed-window quota. Burst is the hard ceiling within a
// window: BurstMultiplier × Limit.
type Limit struct {
	Limit           int
	Window          time.Duration
	BurstMultiplier float64
}

func (l Limit) burst() int64 {
	return int64(math.Floor(float64(l.Limit) * l.BurstMultiplier))
}

// lockTTL bounds how long a crashed holder can hold a bucket lock.
const lockTTL = time.Second

// DeniedFunc observes limiter denials for the rate_limit.exceeded metric.
type DeniedFunc func(op Op)

// Limiter is a distributed fixed-window counter in redis. Counter keys
// carry a TTL equal to the window so stale windows expire on their own.
type Limiter struct {
	redis    *db.RedisClient
	limits   map[Op]Limit
	logger   *zap.Logger
	onDenied DeniedFunc
}

func NewLimiter(redis *db.RedisClient, limits map[Op]Limit, onDenied DeniedFunc, logger *zap.Logger) *Limiter {
	if onDenied == nil {
		onDenied = func(Op) {}
	}
	return &Limiter{redis: redis, limits: limits, logger: logger, onDenied: onDenied}
}

func windowKey(op Op, client uuid.UUID, window time.Duration, now time.Time) string {
	return fmt.Sprintf("rate_limit:%s:%s:%d", op, client, now.Unix()/int64(window.Seconds()))
}

func lockKey(bucket string) string {
	return "rate_lock:" + bucket
}

// Allow consumes one unit from the (client, op) window. Returns
// ErrRateLimited (as a classified DispatchError) when the burst ceiling is
// reached, with the time until the window rolls over.
func (l *Limiter) Allow(ctx context.Context, client uuid.UUID, op Op) (time.Duration, error) {
	limit, ok := l.limits[op]
	if !ok {
		return 0, fmt.Errorf("no rate limit configured for op %q", op)
	}

	now := time.Now()
	bucket := windowKey(op, client, limit.Window, now)

	if err := l.acquireLock(ctx, bucket); err != nil {
		return 0, err
	}
	defer l.releaseLock(bucket)

	count, err := l.redis.Get(ctx, bucket).Int64()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("failed to read rate counter: %w", err)
	}

	if count >= limit.burst() {
		retryAfter := windowRemainder(limit.Window, now)
		l.onDenied(op)
		l.logger.Warn("rate_limit.exceeded",
			zap.String("op", string(op)),
			zap.String("client", client.String()),
			zap.Int64("count", count),
			zap.Duration("retry_after", retryAfter))
		return retryAfter, &notifications.DispatchError{
			Kind:       notifications.KindRateLimited,
			Message:    fmt.Sprintf("%s quota exhausted for window", op),
			RetryAfter: retryAfter,
			Err:        notifications.ErrRateLimited,
		}
	}

	pipe := l.redis.TxPipeline()
	incr := pipe.Incr(ctx, bucket)
	pipe.Expire(ctx, bucket, limit.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment rate counter: %w", err)
	}

	if used := incr.Val(); used > int64(limit.Limit)*8/10 {
		l.logger.Debug("rate limit utilization high",
			zap.String("op", string(op)),
			zap.String("client", client.String()),
			zap.Int64("used", used),
			zap.Int("limit", limit.Limit))
	}
	return 0, nil
}

// Remaining returns how many units are left in the current window before
// the burst ceiling.
func (l *Limiter) Remaining(ctx context.Context, client uuid.UUID, op Op) (int64, error) {
	limit, ok := l.limits[op]
	if !ok {
		return 0, fmt.Errorf("no rate limit configured for op %q", op)
	}

	count, err := l.redis.Get(ctx, windowKey(op, client, limit.Window, time.Now())).Int64()
	if err == redis.Nil {
		return limit.burst(), nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rate counter: %w", err)
	}

	remaining := limit.burst() - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (l *Limiter) acquireLock(ctx context.Context, bucket string) error {
	key := lockKey(bucket)
	deadline := time.Now().Add(lockTTL)
	for {
		ok, err := l.redis.SetNX(ctx, key, "1", lockTTL).Result()
		if err != nil {
			return fmt.Errorf("failed to acquire rate lock: %w", err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			// The lock TTL guarantees the holder is gone by now
			return fmt.Errorf("rate lock contention on %s", bucket)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (l *Limiter) releaseLock(bucket string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.redis.Del(ctx, lockKey(bucket)).Err(); err != nil {
		l.logger.Warn("failed to release rate lock", zap.String("bucket", bucket), zap.Error(err))
	}
}

func windowRemainder(window time.Duration, now time.Time) time.Duration {
	elapsed := time.Duration(now.UnixNano()) % window
	return window - elapsed
}
