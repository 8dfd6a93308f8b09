package dispatch

import (
	"math/rand"
	"time"
)

// backoffDelay computes the retry delay for a message that has made
// `attempt` failed attempts: exponential from base, capped at max,
// plus a random jitter of up to half the capped delay.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	if half := delay / 2; half > 0 {
		delay += time.Duration(rand.Int63n(int64(half)))
	}
	return delay
}
