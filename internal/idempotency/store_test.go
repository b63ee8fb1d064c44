package idempotency

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notification-gateway/internal/db"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := &db.RedisClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	return NewStore(client, zap.NewNop()), mr
}

func TestReserveFirstWriterWins(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	tenant := uuid.New()
	first, second := uuid.New(), uuid.New()

	got, err := s.Reserve(ctx, tenant, "order-42", first)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	// A duplicate submission gets the original id back.
	got, err = s.Reserve(ctx, tenant, "order-42", second)
	require.NoError(t, err)
	assert.Equal(t, first, got)
}

func TestReserveKeysAreTenantScoped(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	idA, idB := uuid.New(), uuid.New()

	got, err := s.Reserve(ctx, uuid.New(), "order-42", idA)
	require.NoError(t, err)
	assert.Equal(t, idA, got)

	got, err = s.Reserve(ctx, uuid.New(), "order-42", idB)
	require.NoError(t, err)
	assert.Equal(t, idB, got)
}

func TestReserveEmptyKeyIsNoop(t *testing.T) {
	s, _ := testStore(t)
	id := uuid.New()

	got, err := s.Reserve(context.Background(), uuid.New(), "", id)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestLookupUnseenKey(t *testing.T) {
	s, _ := testStore(t)

	got, err := s.Lookup(context.Background(), uuid.New(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, got)
}

func TestLookupExpiredKey(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()
	tenant := uuid.New()
	id := uuid.New()

	_, err := s.Reserve(ctx, tenant, "order-42", id)
	require.NoError(t, err)

	mr.FastForward(TTL + 1)

	got, err := s.Lookup(ctx, tenant, "order-42")
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, got)
}

func TestLookupMalformedEntry(t *testing.T) {
	s, mr := testStore(t)
	tenant := uuid.New()
	mr.Set(cacheKey(tenant, "order-42"), "not-a-uuid")

	got, err := s.Lookup(context.Background(), tenant, "order-42")
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, got)
}
