package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy controls retry pacing for failed delivery attempts.
type Policy struct {
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// JitterFraction spreads redeliveries, e.g. 0.1 for +/-10%.
	JitterFraction float64
	// MaxAttempts is the total attempt budget including the first try.
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      time.Second,
		MaxDelay:       5 * time.Minute,
		JitterFraction: 0.1,
		MaxAttempts:    3,
	}
}

// Exhausted reports whether attemptCount used up the budget.
func (p Policy) Exhausted(attemptCount int) bool {
	return attemptCount >= p.MaxAttempts
}

// Backoff returns the delay before retrying after the given attempt
// number (1-based). The schedule is base * 2^(n-1) clamped to
// [BaseDelay, MaxDelay], with jitter applied so hosts retrying the same
// burst do not stampede.
func (p Policy) Backoff(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(2, float64(attemptNumber-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay < float64(p.BaseDelay) {
		delay = float64(p.BaseDelay)
	}

	if p.JitterFraction > 0 {
		spread := delay * p.JitterFraction
		delay += (rand.Float64()*2 - 1) * spread
	}

	d := time.Duration(delay)
	if d < 0 {
		d = p.BaseDelay
	}
	return d
}

// BackoffOrRetryAfter honors a vendor-provided Retry-After when it is
// longer than the computed backoff; the vendor knows its own window.
func (p Policy) BackoffOrRetryAfter(attemptNumber int, retryAfter time.Duration) time.Duration {
	backoff := p.Backoff(attemptNumber)
	if retryAfter > backoff {
		if retryAfter > p.MaxDelay {
			return p.MaxDelay
		}
		return retryAfter
	}
	return backoff
}
