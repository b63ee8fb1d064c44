package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notification-gateway/internal/breaker"
	"notification-gateway/internal/db"
	"notification-gateway/internal/notifications"
	"notification-gateway/internal/observability"
	"notification-gateway/internal/rate"
	"notification-gateway/internal/retry"
	"notification-gateway/internal/status"
	"notification-gateway/internal/vendors"
)

// Shared across the package: prometheus collectors register once per
// process.
var testMetrics = observability.NewMetrics()

func testRedis(t *testing.T) (*miniredis.Miniredis, *db.RedisClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	return mr, &db.RedisClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
}

func testLimiter(t *testing.T, limit int) (*miniredis.Miniredis, *rate.Limiter) {
	t.Helper()
	mr, client := testRedis(t)
	limiter := rate.NewLimiter(client, map[rate.Op]rate.Limit{
		rate.OpNotification: {Limit: limit, Window: time.Minute, BurstMultiplier: 1},
	}, nil, zap.NewNop())
	return mr, limiter
}

func TestRateGateDeniesWhenQuotaExhausted(t *testing.T) {
	_, limiter := testLimiter(t, 2)
	d := NewDispatcher(nil, nil, nil, nil, nil, nil, nil, limiter,
		retry.Policy{}, testMetrics, DispatcherConfig{}, zap.NewNop())
	n := &notifications.Notification{ID: uuid.New(), TenantID: uuid.New()}

	for i := 0; i < 2; i++ {
		retryAfter, allowed := d.rateGate(context.Background(), n, zap.NewNop())
		assert.True(t, allowed)
		assert.Zero(t, retryAfter)
	}

	// Third job in the window waits it out instead of failing.
	retryAfter, allowed := d.rateGate(context.Background(), n, zap.NewNop())
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)
}

func TestRateGateScopedToTenant(t *testing.T) {
	_, limiter := testLimiter(t, 1)
	d := NewDispatcher(nil, nil, nil, nil, nil, nil, nil, limiter,
		retry.Policy{}, testMetrics, DispatcherConfig{}, zap.NewNop())

	first := &notifications.Notification{ID: uuid.New(), TenantID: uuid.New()}
	second := &notifications.Notification{ID: uuid.New(), TenantID: uuid.New()}

	_, allowed := d.rateGate(context.Background(), first, zap.NewNop())
	assert.True(t, allowed)
	_, allowed = d.rateGate(context.Background(), first, zap.NewNop())
	assert.False(t, allowed)

	// An exhausted tenant does not starve its neighbors.
	_, allowed = d.rateGate(context.Background(), second, zap.NewNop())
	assert.True(t, allowed)
}

func TestRateGateNilLimiterAllows(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, nil, nil, nil, nil, nil,
		retry.Policy{}, testMetrics, DispatcherConfig{}, zap.NewNop())
	n := &notifications.Notification{ID: uuid.New(), TenantID: uuid.New()}

	_, allowed := d.rateGate(context.Background(), n, zap.NewNop())
	assert.True(t, allowed)
}

func TestRateGateFailsOpenOnLimiterError(t *testing.T) {
	mr, limiter := testLimiter(t, 1)
	d := NewDispatcher(nil, nil, nil, nil, nil, nil, nil, limiter,
		retry.Policy{}, testMetrics, DispatcherConfig{}, zap.NewNop())
	n := &notifications.Notification{ID: uuid.New(), TenantID: uuid.New()}

	// Quota enforcement must not take delivery down with it.
	mr.Close()
	_, allowed := d.rateGate(context.Background(), n, zap.NewNop())
	assert.True(t, allowed)
}

func TestTaskContextCarriesJobDeadline(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, nil, nil, nil, nil, nil,
		retry.Policy{}, testMetrics, DispatcherConfig{MaxEndToEndLatency: 30 * time.Second}, zap.NewNop())

	taskCtx, cancel, ok := d.taskContext(context.Background(), time.Now())
	defer cancel()
	require.True(t, ok)

	deadline, has := taskCtx.Deadline()
	require.True(t, has)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), deadline, time.Second)
}

func TestTaskContextExpiredJob(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, nil, nil, nil, nil, nil,
		retry.Policy{}, testMetrics, DispatcherConfig{MaxEndToEndLatency: 30 * time.Second}, zap.NewNop())

	_, cancel, ok := d.taskContext(context.Background(), time.Now().Add(-31*time.Second))
	defer cancel()
	assert.False(t, ok)
}

func TestTaskContextUnboundedWithoutMaxLatency(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, nil, nil, nil, nil, nil,
		retry.Policy{}, testMetrics, DispatcherConfig{}, zap.NewNop())

	taskCtx, cancel, ok := d.taskContext(context.Background(), time.Now().Add(-time.Hour))
	defer cancel()
	require.True(t, ok)
	_, has := taskCtx.Deadline()
	assert.False(t, has)
}

func TestVendorCallBudgetIsMinOfDeadlineAndTimeout(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, nil, nil, nil, nil, nil,
		retry.Policy{}, testMetrics,
		DispatcherConfig{MaxEndToEndLatency: 30 * time.Second, VendorTimeout: 5 * time.Second},
		zap.NewNop())

	// 28s already spent in the queue: the vendor call gets the 2s
	// remainder, not the full 5s timeout.
	taskCtx, cancel, ok := d.taskContext(context.Background(), time.Now().Add(-28*time.Second))
	defer cancel()
	require.True(t, ok)

	sendCtx, sendCancel := context.WithTimeout(taskCtx, d.vendorTimeout)
	defer sendCancel()
	deadline, has := sendCtx.Deadline()
	require.True(t, has)
	assert.WithinDuration(t, time.Now().Add(2*time.Second), deadline, time.Second)

	// A fresh job gets the full vendor timeout.
	taskCtx2, cancel2, ok := d.taskContext(context.Background(), time.Now())
	defer cancel2()
	require.True(t, ok)
	sendCtx2, sendCancel2 := context.WithTimeout(taskCtx2, d.vendorTimeout)
	defer sendCancel2()
	deadline2, has := sendCtx2.Deadline()
	require.True(t, has)
	assert.WithinDuration(t, time.Now().Add(5*time.Second), deadline2, time.Second)
}

func TestAttemptResponseCarriesMessageID(t *testing.T) {
	raw := attemptResponse(&vendors.SendResult{
		MessageID: "msg_123",
		Status:    vendors.SendStatusQueued,
		Response:  []byte(`{"data":{"id":"msg_123"}}`),
		Timestamp: time.Now().UTC(),
	})
	require.NotNil(t, raw)

	// Receipt matching reads response ->> 'message_id': the id must sit
	// at the top level no matter what the vendor's own payload looks like.
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, "msg_123", envelope["message_id"])
	assert.Equal(t, "queued", envelope["status"])

	assert.Nil(t, attemptResponse(nil))
}

func smsSelector(t *testing.T) (*vendors.Selector, *vendors.Mock, *vendors.Mock) {
	t.Helper()
	primary := vendors.NewMock("mock-primary", notifications.ChannelSMS, 1.0, 0)
	secondary := vendors.NewMock("mock-secondary", notifications.ChannelSMS, 1.0, 0)
	registry := vendors.NewRegistry()
	registry.Register(primary)
	registry.Register(secondary)
	return vendors.NewSelector(registry, nil, zap.NewNop()), primary, secondary
}

func openCircuit(t *testing.T, brk *breaker.Breaker, tenant uuid.UUID, vendor string) {
	t.Helper()
	err := brk.RecordFailure(context.Background(), tenant, notifications.ChannelSMS, vendor)
	assert.ErrorIs(t, err, notifications.ErrCircuitOpen)
}

func TestSelectVendorFailoverDisabledSurfacesOpenCircuit(t *testing.T) {
	_, client := testRedis(t)
	selector, _, _ := smsSelector(t)
	tenant := uuid.New()

	brk := breaker.New(client, breaker.Config{
		FailureThreshold: 1, ResetTimeout: time.Minute,
		HalfOpenTimeout: time.Minute, Multiplier: 2, BackoffCap: 3,
	}, nil, zap.NewNop())
	openCircuit(t, brk, tenant, "mock-primary")

	d := NewDispatcher(nil, nil, nil, selector, nil, brk, nil, nil,
		retry.Policy{}, testMetrics, DispatcherConfig{VendorFailover: false}, zap.NewNop())
	n := &notifications.Notification{ID: uuid.New(), TenantID: tenant, Channel: notifications.ChannelSMS}

	_, err := d.selectVendor(context.Background(), n)
	require.Error(t, err)
	assert.Equal(t, notifications.KindVendorCircuitOpen, notifications.KindOf(err))
}

func TestSelectVendorFailoverRotatesPastOpenCircuit(t *testing.T) {
	_, client := testRedis(t)
	selector, _, _ := smsSelector(t)
	tenant := uuid.New()

	brk := breaker.New(client, breaker.Config{
		FailureThreshold: 1, ResetTimeout: time.Minute,
		HalfOpenTimeout: time.Minute, Multiplier: 2, BackoffCap: 3,
	}, nil, zap.NewNop())
	openCircuit(t, brk, tenant, "mock-primary")

	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	mock.ExpectQuery(`SELECT vendor, error_kind FROM delivery_attempts`).
		WillReturnRows(sqlmock.NewRows([]string{"vendor", "error_kind"}))
	statusStore := status.NewStore(&db.PostgresDB{DB: conn}, client, zap.NewNop())

	d := NewDispatcher(nil, statusStore, nil, selector, nil, brk, nil, nil,
		retry.Policy{}, testMetrics, DispatcherConfig{VendorFailover: true}, zap.NewNop())
	n := &notifications.Notification{ID: uuid.New(), TenantID: tenant, Channel: notifications.ChannelSMS}

	adapter, err := d.selectVendor(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, "mock-secondary", adapter.Name())
}
