package backoff

import (
	"time"

	cb "github.com/cenkalti/backoff"
)

// ThirdParty adapts a github.com/cenkalti/backoff.BackOff (already an
// indirect dependency of the teacher repo via its retry tooling) into a
// Func, for callers who want a battle-tested jittered implementation
// instead of the hand-rolled pure functions above. The adapted BackOff is
// reset whenever attempt is not greater than the previous call's attempt,
// so calls at increasing attempt numbers follow the sequence
// cenkalti/backoff produces across successive NextBackOff calls, and a
// repeated attempt number starts a fresh sequence.
func ThirdParty(newBackOff func() cb.BackOff) Func {
	var (
		b    cb.BackOff
		last int
	)
	return func(attempt int) time.Duration {
		if b == nil || attempt <= last {
			b = newBackOff()
			last = 0
		}
		var d time.Duration
		for last < attempt {
			d = b.NextBackOff()
			last++
		}
		if d == cb.Stop {
			return 0
		}
		return d
	}
}

// DefaultExponential returns a Func backed by cenkalti/backoff's
// ExponentialBackOff with its standard defaults (500ms initial interval,
// 1.5 multiplier, 60s max interval, no max elapsed time), offered as a
// drop-in alternative to backoff.DefaultReconnect for callers that prefer
// the jittered third-party schedule.
func DefaultExponential() Func {
	return ThirdParty(func() cb.BackOff {
		eb := cb.NewExponentialBackOff()
		eb.MaxElapsedTime = 0
		return eb
	})
}
