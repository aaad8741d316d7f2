package engine

import (
	"math/rand"
	"time"
)

// computeBackoff returns the delay before the next retry attempt, using
// exponential backoff with jitter: delay = min(initial *
// factor^attempt, maxDelay) + jitter(0, initial). factor is configurable
// since RetryNode config exposes backoff_factor as a workflow-authored
// parameter.
func computeBackoff(attempt int, initial, maxDelay time.Duration, factor float64, rng *rand.Rand) time.Duration {
	if factor <= 0 {
		factor = 2.0
	}
	delay := float64(initial)
	for i := 0; i < attempt; i++ {
		delay *= factor
	}
	d := time.Duration(delay)
	if d > maxDelay {
		d = maxDelay
	}
	if d < 0 {
		d = maxDelay
	}

	var jitter time.Duration
	if initial > 0 {
		if rng != nil {
			jitter = time.Duration(rng.Int63n(int64(initial)))
		} else {
			jitter = time.Duration(rand.Int63n(int64(initial))) // #nosec G404 -- retry timing jitter, not security-sensitive
		}
	}
	return d + jitter
}
