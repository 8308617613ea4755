package queue

import (
	"math"
	"math/rand"
	"time"
)

const maxRetryBackoff = 30 * time.Second

// retryBackoff returns the pause before re-sending a message that has been
// rejected attempts times. A non-positive base disables the pause.
func retryBackoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 || attempts < 1 {
		return 0
	}
	d := float64(base) * math.Pow(2, float64(attempts-1))
	jitter := rand.Float64() * d * 0.5
	if d+jitter > float64(maxRetryBackoff) {
		return maxRetryBackoff
	}
	return time.Duration(d + jitter)
}
