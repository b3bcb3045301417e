package engine

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before retry attempt n (zero-based). The delay
// doubles from Initial up to Max, with optional proportional jitter so a
// fleet of clients reconnecting together does not retry in lockstep.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the maximum proportional spread, e.g. 0.2 for ±20%.
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial: time.Second,
		Max:     60 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

func (b Backoff) Delay(retryCount int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}

	d := float64(initial)
	for i := 0; i < retryCount; i++ {
		d *= factor
		if b.Max > 0 && d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}

	if b.Jitter > 0 {
		spread := d * b.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	return time.Duration(d)
}
