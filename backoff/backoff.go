// Package backoff provides pure backoff schedules and an attempt counter
// that gates reconnection timing, grounded on the exponential-with-cap
// reconnect loop in the teacher's serial backend (cmd/can-server's
// backend_serial.go rxBackoffMin/rxBackoffMax doubling), generalized into
// composable pure functions instead of one inline loop.
package backoff

import (
	"math"
	"time"
)

// Func maps an attempt count (1-based: the first retry is attempt 1) to a
// wait duration.
type Func func(attempt int) time.Duration

// Constant always waits c.
func Constant(c time.Duration) Func {
	return func(int) time.Duration { return c }
}

// Linear returns a*attempt + b.
func Linear(a, b time.Duration) Func {
	return func(attempt int) time.Duration {
		return time.Duration(attempt)*a + b
	}
}

// Exponential returns a*base^attempt + c. a is not defaulted: pass 1
// (one nanosecond) for "no scale"; a of 0 makes every result equal c.
func Exponential(base float64, a time.Duration, c time.Duration) Func {
	return func(attempt int) time.Duration {
		scaled := float64(a) * math.Pow(base, float64(attempt))
		return time.Duration(scaled) + c
	}
}

// Clamped bounds inner's result to [lo, hi].
func Clamped(inner Func, lo, hi time.Duration) Func {
	return func(attempt int) time.Duration {
		d := inner(attempt)
		if d < lo {
			return lo
		}
		if d > hi {
			return hi
		}
		return d
	}
}

// DefaultReconnect is Clamped(Exponential(base=2, a=8s), max=60s): after
// attempt 5 the raw value is 8s·2^5=256s, clamped to the 60s ceiling —
// matching the literal §8 scenario 4 ("after 5 consecutive failures...
// must stay false until ≥ min(60, 8·32)=60s").
func DefaultReconnect() Func {
	return Clamped(Exponential(2, 8*time.Second, 0), 0, 60*time.Second)
}
