package delivery

import (
	"math"
	"time"
)

// maxJitter is the upper bound of the random stretch applied to a delay.
const maxJitter = 0.3

// RetryPolicy bounds the retries of GetActiveSession and PushStats.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultRetryPolicy returns 5 retries from 1s doubling up to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
	}
}

// BackoffDelay is the delay before retry n (n >= 1) without jitter.
func (p RetryPolicy) BackoffDelay(n int) time.Duration {
	return p.delay(n, 0)
}

// JitteredDelay is BackoffDelay stretched by up to 30%. u is a uniform
// sample in [0, 1).
func (p RetryPolicy) JitteredDelay(n int, u float64) time.Duration {
	return p.delay(n, u*maxJitter)
}

func (p RetryPolicy) delay(n int, jitter float64) time.Duration {
	if n < 1 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.BaseDelay) * math.Pow(mult, float64(n-1)) * (1 + jitter)
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 1)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
