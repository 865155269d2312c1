package transport

import (
	"math"
	"time"
)

// Backoff returns the reconnect delay after attempts consecutive unclean
// closures: base * 2^(attempts-1), capped at maxDelay.
func Backoff(attempts int, base, maxDelay time.Duration) time.Duration {
	if attempts <= 0 {
		return 0
	}
	if base <= 0 {
		base = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	factor := math.Pow(2, float64(attempts-1))
	if math.IsInf(factor, 0) || factor > float64(maxDelay/base) {
		return maxDelay
	}
	d := time.Duration(factor * float64(base))
	if d > maxDelay {
		return maxDelay
	}
	return d
}
