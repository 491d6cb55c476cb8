package queue

import (
	"math/rand/v2"
	"time"
)

// Default backoff bounds for retryable failures.
const (
	DefaultBaseBackoff = time.Minute
	DefaultMaxBackoff  = 30 * time.Minute
)

// Backoff computes the delay before a retryable message becomes eligible
// again: min(Max, Base * 2^(attempts-1)) plus up to JitterFraction of that.
type Backoff struct {
	Base           time.Duration
	Max            time.Duration
	JitterFraction float64

	// rnd returns a value in [0,1). Nil means math/rand.
	rnd func() float64
}

// NewBackoff returns a Backoff with 10% jitter.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	if max < base {
		max = base
	}
	return &Backoff{Base: base, Max: max, JitterFraction: 0.1}
}

// Delay returns the wait after the given number of attempts (1-based).
func (b *Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if d > b.Max {
		d = b.Max
	}

	if b.JitterFraction <= 0 {
		return d
	}
	r := rand.Float64
	if b.rnd != nil {
		r = b.rnd
	}
	return d + time.Duration(float64(d)*b.JitterFraction*r())
}

// NextHour returns the start of the hour following t. Capacity deferrals
// push messages to this boundary.
func NextHour(t time.Time) time.Time {
	return t.Truncate(time.Hour).Add(time.Hour)
}
