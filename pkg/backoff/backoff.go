// Package backoff computes sleep durations between retry attempts.
package backoff

import (
	"math/rand"
	"time"
)

// Backoff maps a retry attempt to the duration to sleep before it.
type Backoff func(uint64) time.Duration

// NewExponentialWithJitter returns a Backoff doubling from min per
// attempt up to max, randomized so concurrent retries spread out.
// It panics if min >= max.
func NewExponentialWithJitter(min, max time.Duration) Backoff {
	if min <= 0 {
		min = time.Millisecond * 100
	}
	if max <= 0 {
		max = time.Second * 10
	}
	if min >= max {
		panic("max must be larger than min")
	}

	return func(attempt uint64) time.Duration {
		e := min << attempt
		if e <= 0 || e > max {
			e = max
		}

		return time.Duration(jitter(int64(e)))
	}
}

// jitter returns a random integer distributed in the range [n/2..n).
func jitter(n int64) int64 {
	if n == 0 {
		return 0
	}

	return n/2 + rand.Int63n(n/2)
}
