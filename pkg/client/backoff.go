package client

import (
	"math"
	"math/rand"
	"time"
)

// backoffDelay computes the wait before reconnect attempt n (0-based):
// base doubled per attempt, capped at max, plus up to 25% random jitter
// so a fleet of clients dropped by the same outage does not reconnect in
// lockstep.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}

	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(max) {
		d = float64(max)
	}
	d += d * 0.25 * rand.Float64()
	if d > float64(max) {
		d = float64(max)
	}
	return time.Duration(d)
}
