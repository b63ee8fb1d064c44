package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notification-gateway/internal/db"
	"notification-gateway/internal/notifications"
)

func testBreaker(t *testing.T, cfg Config, onChange StateChangeFunc) *Breaker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := &db.RedisClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	return New(client, cfg, onChange, zap.NewNop())
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b := testBreaker(t, DefaultConfig(), nil)
	ctx := context.Background()
	tenant := uuid.New()

	for i := 0; i < 4; i++ {
		require.NoError(t, b.RecordFailure(ctx, tenant, notifications.ChannelSMS, "telnyx"))
	}

	allowed, err := b.IsAvailable(ctx, tenant, notifications.ChannelSMS, "telnyx")
	require.NoError(t, err)
	assert.True(t, allowed)

	snap, err := b.Snapshot(ctx, tenant, notifications.ChannelSMS, "telnyx")
	require.NoError(t, err)
	assert.Equal(t, "closed", snap["state"])
	assert.Equal(t, "4", snap["failure_count"])
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := testBreaker(t, DefaultConfig(), nil)
	ctx := context.Background()
	tenant := uuid.New()

	var tripErr error
	for i := 0; i < 5; i++ {
		tripErr = b.RecordFailure(ctx, tenant, notifications.ChannelSMS, "telnyx")
	}
	// The fifth failure crossed the threshold.
	assert.ErrorIs(t, tripErr, notifications.ErrCircuitOpen)

	allowed, err := b.IsAvailable(ctx, tenant, notifications.ChannelSMS, "telnyx")
	require.NoError(t, err)
	assert.False(t, allowed)

	// The sixth failure does not re-report the trip.
	assert.NoError(t, b.RecordFailure(ctx, tenant, notifications.ChannelSMS, "telnyx"))
}

func TestBreakerCircuitsAreIndependent(t *testing.T) {
	b := testBreaker(t, DefaultConfig(), nil)
	ctx := context.Background()
	tenantA, tenantB := uuid.New(), uuid.New()

	for i := 0; i < 5; i++ {
		_ = b.RecordFailure(ctx, tenantA, notifications.ChannelSMS, "telnyx")
	}

	allowed, err := b.IsAvailable(ctx, tenantA, notifications.ChannelSMS, "telnyx")
	require.NoError(t, err)
	assert.False(t, allowed)

	// Same vendor, different tenant: untouched.
	allowed, err = b.IsAvailable(ctx, tenantB, notifications.ChannelSMS, "telnyx")
	require.NoError(t, err)
	assert.True(t, allowed)

	// Same tenant, different vendor: untouched.
	allowed, err = b.IsAvailable(ctx, tenantA, notifications.ChannelSMS, "twilio")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestBreakerHalfOpenAfterReset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResetTimeout = 30 * time.Millisecond
	b := testBreaker(t, cfg, nil)
	ctx := context.Background()
	tenant := uuid.New()

	for i := 0; i < 5; i++ {
		_ = b.RecordFailure(ctx, tenant, notifications.ChannelEmail, "ses")
	}

	allowed, err := b.IsAvailable(ctx, tenant, notifications.ChannelEmail, "ses")
	require.NoError(t, err)
	assert.False(t, allowed)

	time.Sleep(50 * time.Millisecond)

	// First caller after the reset timeout gets the probe.
	allowed, err = b.IsAvailable(ctx, tenant, notifications.ChannelEmail, "ses")
	require.NoError(t, err)
	assert.True(t, allowed)

	// Second caller in the same half-open window does not.
	allowed, err = b.IsAvailable(ctx, tenant, notifications.ChannelEmail, "ses")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResetTimeout = 10 * time.Millisecond
	b := testBreaker(t, cfg, nil)
	ctx := context.Background()
	tenant := uuid.New()

	for i := 0; i < 5; i++ {
		_ = b.RecordFailure(ctx, tenant, notifications.ChannelEmail, "ses")
	}
	time.Sleep(20 * time.Millisecond)

	allowed, err := b.IsAvailable(ctx, tenant, notifications.ChannelEmail, "ses")
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, b.RecordSuccess(ctx, tenant, notifications.ChannelEmail, "ses"))

	snap, err := b.Snapshot(ctx, tenant, notifications.ChannelEmail, "ses")
	require.NoError(t, err)
	assert.Equal(t, "closed", snap["state"])
	assert.Equal(t, "0", snap["failure_count"])

	allowed, err = b.IsAvailable(ctx, tenant, notifications.ChannelEmail, "ses")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResetTimeout = 10 * time.Millisecond
	b := testBreaker(t, cfg, nil)
	ctx := context.Background()
	tenant := uuid.New()

	for i := 0; i < 5; i++ {
		_ = b.RecordFailure(ctx, tenant, notifications.ChannelEmail, "ses")
	}
	time.Sleep(20 * time.Millisecond)

	allowed, err := b.IsAvailable(ctx, tenant, notifications.ChannelEmail, "ses")
	require.NoError(t, err)
	require.True(t, allowed)

	// Probe fails: straight back to open, no threshold crossing reported.
	assert.NoError(t, b.RecordFailure(ctx, tenant, notifications.ChannelEmail, "ses"))

	snap, err := b.Snapshot(ctx, tenant, notifications.ChannelEmail, "ses")
	require.NoError(t, err)
	assert.Equal(t, "open", snap["state"])
}

func TestBreakerGaugeDeltas(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResetTimeout = 10 * time.Millisecond
	gauge := 0
	b := testBreaker(t, cfg, func(key string, from, to State, delta int) {
		gauge += delta
	})
	ctx := context.Background()
	tenant := uuid.New()

	for i := 0; i < 5; i++ {
		_ = b.RecordFailure(ctx, tenant, notifications.ChannelSMS, "twilio")
	}
	assert.Equal(t, 1, gauge)

	// open -> half_open keeps the circuit counted as tripped.
	time.Sleep(20 * time.Millisecond)
	_, err := b.IsAvailable(ctx, tenant, notifications.ChannelSMS, "twilio")
	require.NoError(t, err)
	assert.Equal(t, 1, gauge)

	require.NoError(t, b.RecordSuccess(ctx, tenant, notifications.ChannelSMS, "twilio"))
	assert.Equal(t, 0, gauge)
}
