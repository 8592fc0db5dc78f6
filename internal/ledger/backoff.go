package ledger

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry eligibility for calls.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	// Jitter is the +/- fraction applied to each delay, e.g. 0.2 for 20%.
	Jitter float64
	// Rand returns a value in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:        2 * time.Second,
		Max:         5 * time.Minute,
		MaxAttempts: 5,
		Jitter:      0.2,
	}
}

// Delay returns min(Base*2^attempt, Max) with jitter, never above Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Max
	// Comparing against Max shifted down keeps Base<<attempt from overflowing.
	if attempt < 63 && b.Base > 0 && b.Base <= b.Max>>uint(attempt) {
		d = b.Base << uint(attempt)
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		d += time.Duration((r()*2 - 1) * b.Jitter * float64(d))
	}
	if d > b.Max {
		d = b.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Exhausted reports whether attempts has used up the retry budget.
func (b Backoff) Exhausted(attempts int) bool {
	return b.MaxAttempts > 0 && attempts >= b.MaxAttempts
}
