package live

import (
	"math/rand/v2"
	"time"
)

// backoffDelay returns the wait before reconnect attempt n (0-based):
// min doubled per attempt, capped at max, with the upper half jittered.
func backoffDelay(n int, min, max time.Duration) time.Duration {
	d := max
	if n < 30 {
		if v := min << n; v > 0 && v < max {
			d = v
		}
	}
	half := d / 2
	return half + rand.N(half+1)
}
