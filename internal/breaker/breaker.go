package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"notification-gateway/internal/db"
	"notification-gateway/internal/notifications"
)

// State of a circuit. Transitions only closed→open→half_open→{closed|open}.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds breaker parameters. The reset timeout backs off by
// Multiplier^n, n capped at BackoffCap.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenTimeout  time.Duration
	Multiplier       int
	BackoffCap       int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenTimeout:  15 * time.Second,
		Multiplier:       2,
		BackoffCap:       3,
	}
}

// StateChangeFunc observes transitions for logging and the open-circuit
// gauge. delta is +1 when a circuit opens and -1 when it closes.
type StateChangeFunc func(key string, from, to State, delta int)

// Breaker is a per (tenant, channel, vendor) three-state circuit breaker.
// State lives in a redis hash so every worker host sees the same circuit;
// each operation is one Lua script, so checks and transitions are atomic
// against concurrent workers.
type Breaker struct {
	redis    *db.RedisClient
	cfg      Config
	logger   *zap.Logger
	onChange StateChangeFunc
}

func New(redis *db.RedisClient, cfg Config, onChange StateChangeFunc, logger *zap.Logger) *Breaker {
	if onChange == nil {
		onChange = func(string, State, State, int) {}
	}
	return &Breaker{redis: redis, cfg: cfg, logger: logger, onChange: onChange}
}

// Key returns the coordination-store key for one circuit.
func Key(tenantID uuid.UUID, channel notifications.Channel, vendor string) string {
	return fmt.Sprintf("cb:%s:%s:%s", tenantID, channel, vendor)
}

// isAvailableScript returns {allowed, prevState, newState}.
//
// closed: traffic passes. open: rejected until the backed-off reset
// timeout has elapsed since last_failure_time, then half_open. half_open:
// exactly one probe per half-open window.
var isAvailableScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local reset_ms = tonumber(ARGV[3])
local half_open_ms = tonumber(ARGV[4])
local mult = tonumber(ARGV[5])
local cap = tonumber(ARGV[6])

local state = redis.call('HGET', key, 'state')
if not state or state == 'closed' then
  return {1, 'closed', 'closed'}
end

if state == 'open' then
  local last_failure = tonumber(redis.call('HGET', key, 'last_failure_time') or '0')
  local failures = tonumber(redis.call('HGET', key, 'failure_count') or '0')
  local exp = failures - threshold
  if exp < 0 then exp = 0 end
  if exp > cap then exp = cap end
  local backoff = reset_ms * (mult ^ exp)
  if now - last_failure < backoff then
    return {0, 'open', 'open'}
  end
  redis.call('HSET', key, 'state', 'half_open', 'probe_at', now)
  return {1, 'open', 'half_open'}
end

-- half_open: one probe per window; a stale probe slot reopens after the
-- half-open timeout so a crashed prober cannot wedge the circuit
local probe_at = tonumber(redis.call('HGET', key, 'probe_at') or '0')
if probe_at == 0 or now - probe_at >= half_open_ms then
  redis.call('HSET', key, 'probe_at', now)
  return {1, 'half_open', 'half_open'}
end
return {0, 'half_open', 'half_open'}
`)

// recordSuccessScript returns {prevState}. Any success closes the circuit
// and resets counters.
var recordSuccessScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])

local state = redis.call('HGET', key, 'state')
redis.call('HSET', key, 'state', 'closed', 'failure_count', 0, 'last_success_time', now)
redis.call('HDEL', key, 'probe_at')
return {state or 'closed'}
`)

// recordFailureScript returns {prevState, newState, crossed}. crossed is 1
// when this failure tripped the circuit from closed to open.
var recordFailureScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])

local state = redis.call('HGET', key, 'state') or 'closed'
local failures = redis.call('HINCRBY', key, 'failure_count', 1)
redis.call('HSET', key, 'last_failure_time', now)

if state == 'half_open' then
  redis.call('HSET', key, 'state', 'open')
  redis.call('HDEL', key, 'probe_at')
  return {state, 'open', 0}
end

if failures >= threshold then
  redis.call('HSET', key, 'state', 'open')
  if state == 'closed' and failures == threshold then
    return {state, 'open', 1}
  end
  return {state, 'open', 0}
end
redis.call('HSET', key, 'state', state)
return {state, state, 0}
`)

// IsAvailable reports whether traffic may flow to the vendor. In the
// half-open state the first caller in each window gets the probe.
func (b *Breaker) IsAvailable(ctx context.Context, tenantID uuid.UUID, channel notifications.Channel, vendor string) (bool, error) {
	key := Key(tenantID, channel, vendor)
	res, err := isAvailableScript.Run(ctx, b.redis, []string{key},
		time.Now().UnixMilli(),
		b.cfg.FailureThreshold,
		b.cfg.ResetTimeout.Milliseconds(),
		b.cfg.HalfOpenTimeout.Milliseconds(),
		b.cfg.Multiplier,
		b.cfg.BackoffCap,
	).Slice()
	if err != nil {
		return false, fmt.Errorf("breaker isAvailable: %w", err)
	}

	allowed := res[0].(int64) == 1
	b.observe(key, State(res[1].(string)), State(res[2].(string)))
	return allowed, nil
}

// RecordSuccess closes the circuit and resets its counters.
func (b *Breaker) RecordSuccess(ctx context.Context, tenantID uuid.UUID, channel notifications.Channel, vendor string) error {
	key := Key(tenantID, channel, vendor)
	res, err := recordSuccessScript.Run(ctx, b.redis, []string{key}, time.Now().UnixMilli()).Slice()
	if err != nil {
		return fmt.Errorf("breaker recordSuccess: %w", err)
	}
	b.observe(key, State(res[0].(string)), StateClosed)
	return nil
}

// RecordFailure registers a failed vendor call. Returns ErrCircuitOpen
// when this failure crossed the threshold and tripped the circuit.
func (b *Breaker) RecordFailure(ctx context.Context, tenantID uuid.UUID, channel notifications.Channel, vendor string) error {
	key := Key(tenantID, channel, vendor)
	res, err := recordFailureScript.Run(ctx, b.redis, []string{key},
		time.Now().UnixMilli(), b.cfg.FailureThreshold).Slice()
	if err != nil {
		return fmt.Errorf("breaker recordFailure: %w", err)
	}

	b.observe(key, State(res[0].(string)), State(res[1].(string)))
	if res[2].(int64) == 1 {
		return notifications.ErrCircuitOpen
	}
	return nil
}

// Snapshot reads the raw circuit hash, for the status surface and tests.
func (b *Breaker) Snapshot(ctx context.Context, tenantID uuid.UUID, channel notifications.Channel, vendor string) (map[string]string, error) {
	return b.redis.HGetAll(ctx, Key(tenantID, channel, vendor)).Result()
}

func (b *Breaker) observe(key string, from, to State) {
	if from == to {
		return
	}
	// The gauge counts tripped circuits: half_open is still tripped, so
	// only closed→open and →closed move it.
	delta := 0
	switch {
	case from == StateClosed && to == StateOpen:
		delta = 1
	case to == StateClosed && from != StateClosed:
		delta = -1
	}
	b.logger.Info("circuit.state_changed",
		zap.String("circuit", key),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	b.onChange(key, from, to, delta)
}
