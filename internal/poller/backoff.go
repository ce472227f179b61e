package poller

import (
	"math"
	"time"
)

// Backoff is a capped exponential retry policy:
// Delay(n) = min(Base * Factor^n, Max).
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// Delay returns the wait before retry n (0-based). Non-decreasing in n and
// never above Max.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(b.Base) * math.Pow(factor, float64(n))
	if b.Max > 0 && (d > float64(b.Max) || math.IsInf(d, 0)) {
		return b.Max
	}
	return time.Duration(d)
}
