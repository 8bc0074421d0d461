package queue

import (
	"math"
	"math/rand"
	"time"

	"hookrelay.dev/internal/delivery"
)

// jitterCap bounds the uniform random component added to every retry
// delay so synchronized failures do not retry in lockstep.
const jitterCap = time.Second

// RetryDelay computes the backoff before the next attempt, after the
// item has failed `attempts` times: initialDelay * multiplier^(attempts-1)
// plus uniform jitter, clamped to maxDelay.
func RetryDelay(policy delivery.RetryPolicy, attempts int, maxDelay time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := float64(policy.InitialDelay) * math.Pow(policy.BackoffMultiplier, float64(attempts-1))
	if base < 0 || base > float64(maxDelay) {
		return maxDelay
	}

	delay := time.Duration(base) + time.Duration(rand.Int63n(int64(jitterCap)))
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
