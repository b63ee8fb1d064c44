package vendors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notification-gateway/internal/notifications"
)

func TestCheckerProbeUpdatesSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Register(NewMock("telnyx", notifications.ChannelSMS, 1.0, 0))
	c := NewChecker(r, nil, time.Minute, 100*time.Millisecond, zap.NewNop())

	c.checkAll(context.Background())

	assert.True(t, c.Healthy("telnyx", notifications.ChannelSMS))

	statuses := c.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "telnyx", statuses[0].Vendor)
	assert.Equal(t, VendorHealthy, statuses[0].State)
	assert.Equal(t, 1.0, statuses[0].SuccessRate)
}

func TestCheckerUnknownVendorAssumedHealthy(t *testing.T) {
	c := NewChecker(NewRegistry(), nil, time.Minute, time.Second, zap.NewNop())

	assert.True(t, c.Healthy("nobody", notifications.ChannelPush))
}

func TestCheckerOutcomesDegradeVendor(t *testing.T) {
	r := NewRegistry()
	r.Register(NewMock("twilio", notifications.ChannelSMS, 1.0, 0))
	c := NewChecker(r, nil, time.Minute, 100*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	c.checkAll(ctx)
	require.True(t, c.Healthy("twilio", notifications.ChannelSMS))

	// One failure at alpha 0.2 drops the rate to 0.8, under the 0.95
	// bar. The next probe reclassifies the vendor as degraded.
	c.RecordOutcome("twilio", notifications.ChannelSMS, false)
	c.checkAll(ctx)

	assert.False(t, c.Healthy("twilio", notifications.ChannelSMS))
	statuses := c.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, VendorDegraded, statuses[0].State)
}

func TestCheckerOutcomesRecover(t *testing.T) {
	r := NewRegistry()
	r.Register(NewMock("twilio", notifications.ChannelSMS, 1.0, 0))
	c := NewChecker(r, nil, time.Minute, 100*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	c.checkAll(ctx)
	c.RecordOutcome("twilio", notifications.ChannelSMS, false)

	// Successes pull the EWMA back over 0.95 in a handful of samples.
	for i := 0; i < 12; i++ {
		c.RecordOutcome("twilio", notifications.ChannelSMS, true)
	}
	c.checkAll(ctx)

	assert.True(t, c.Healthy("twilio", notifications.ChannelSMS))
}

func TestVendorStatusUsable(t *testing.T) {
	now := time.Now().UTC()
	fresh := VendorStatus{State: VendorHealthy, SuccessRate: 1.0, LastCheck: now}
	assert.True(t, fresh.Usable(now))

	stale := fresh
	stale.LastCheck = now.Add(-time.Minute)
	assert.False(t, stale.Usable(now))

	lowRate := fresh
	lowRate.SuccessRate = 0.9
	assert.False(t, lowRate.Usable(now))

	degraded := fresh
	degraded.State = VendorDegraded
	assert.False(t, degraded.Usable(now))
}

func TestClassifyHealth(t *testing.T) {
	assert.Equal(t, VendorUnhealthy, classifyHealth(&HealthResult{Healthy: false}, 1.0))
	assert.Equal(t, VendorDegraded, classifyHealth(&HealthResult{Healthy: true}, 0.5))
	assert.Equal(t, VendorHealthy, classifyHealth(&HealthResult{Healthy: true}, 0.99))
}
