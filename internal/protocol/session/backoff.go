package session

import (
	"math"
	"math/rand"
	"time"
)

// Delay is the wait before reconnect attempt n (1-based). The first retry
// waits InitialDelay; later ones grow by Multiplier up to MaxDelay. Jitter
// scales the result into [0.5, 1.5); a nil rng pins it to 0.5.
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if n <= 1 || b.InitialDelay <= 0 {
		return max(b.InitialDelay, 0)
	}
	growth := max(b.Multiplier, 1.0)
	d := float64(b.InitialDelay) * math.Pow(growth, float64(n-1))
	if b.MaxDelay > 0 {
		d = math.Min(d, float64(b.MaxDelay))
	}
	if b.Jitter {
		scale := 0.5
		if rng != nil {
			scale += rng.Float64()
		}
		d *= scale
	}
	return time.Duration(d)
}
