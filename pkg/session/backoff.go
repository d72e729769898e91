package session

import (
	"math/rand"
	"time"
)

// ReconnectPolicy implements the client-side reconnect backoff of spec
// §4.7: exponential backoff with multiplicative jitter, unlimited attempts
// unless MaxAttempts is configured. Grounded on the teacher's
// test/framework.Retry exponential-backoff shape (delay, then delay *= 2
// on failure), extended with the jitter and ceiling spec §4.7 requires.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	JitterMin    float64
	JitterMax    float64
	MaxAttempts  int // 0 = unlimited

	// randFloat is overridden in tests for deterministic jitter; defaults
	// to math/rand's global source.
	randFloat func() float64
}

// DefaultReconnectPolicy matches spec §4.7's stated defaults.
func DefaultReconnectPolicy() *ReconnectPolicy {
	return &ReconnectPolicy{
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     60 * time.Second,
		JitterMin:    0.9,
		JitterMax:    1.1,
		randFloat:    rand.Float64,
	}
}

// NextDelay returns the delay to wait before reconnect attempt number
// attempt (1-based), or ok=false if MaxAttempts has been exhausted.
func (p *ReconnectPolicy) NextDelay(attempt int) (delay time.Duration, ok bool) {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	if p.randFloat == nil {
		p.randFloat = rand.Float64
	}

	base := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		base *= p.Multiplier
		if base > float64(p.MaxDelay) {
			base = float64(p.MaxDelay)
			break
		}
	}

	jitter := p.JitterMin + p.randFloat()*(p.JitterMax-p.JitterMin)
	d := time.Duration(base * jitter)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d, true
}
