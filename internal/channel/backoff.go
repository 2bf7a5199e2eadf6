package channel

import (
	"math/rand"
	"time"
)

const (
	reconnectBase   = time.Second
	reconnectCap    = 30 * time.Second
	reconnectJitter = 0.5
)

// reconnectDelay computes the jittered exponential backoff for the given
// reconnect attempt (0-based): min(1s·2^attempt, 30s) ± 50%.
func reconnectDelay(attempt int) time.Duration {
	d := reconnectBase
	for i := 0; i < attempt && d < reconnectCap; i++ {
		d *= 2
	}
	if d > reconnectCap {
		d = reconnectCap
	}
	// Jitter factor in [1-j, 1+j).
	f := 1 - reconnectJitter + 2*reconnectJitter*rand.Float64()
	return time.Duration(float64(d) * f)
}
