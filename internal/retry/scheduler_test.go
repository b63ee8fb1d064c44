package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSchedule(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Minute, MaxAttempts: 3}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{9, 256 * time.Second},
		{10, 5 * time.Minute},  // clamped
		{100, 5 * time.Minute}, // stays clamped
		{0, 1 * time.Second},   // floor
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Minute, JitterFraction: 0.1, MaxAttempts: 3}

	for i := 0; i < 200; i++ {
		d := p.Backoff(3) // nominal 4s
		assert.GreaterOrEqual(t, d, 3600*time.Millisecond)
		assert.LessOrEqual(t, d, 4400*time.Millisecond)
	}
}

func TestExhausted(t *testing.T) {
	p := DefaultPolicy()

	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestBackoffOrRetryAfter(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Minute, MaxAttempts: 3}

	// Vendor window longer than backoff wins.
	assert.Equal(t, 30*time.Second, p.BackoffOrRetryAfter(1, 30*time.Second))
	// Shorter Retry-After falls back to the computed backoff.
	assert.Equal(t, 4*time.Second, p.BackoffOrRetryAfter(3, time.Second))
	// Vendor window is still capped.
	assert.Equal(t, 5*time.Minute, p.BackoffOrRetryAfter(1, time.Hour))
}
