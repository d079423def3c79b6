package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes the delay before a retry.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction of the delay randomized in both directions.
	Jitter float64
}

// DefaultBackoff is used for zero fields of a BackoffPolicy.
var DefaultBackoff = BackoffPolicy{
	Initial:    200 * time.Millisecond,
	Max:        30 * time.Second,
	Multiplier: 2.0,
	Jitter:     0.2,
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.Initial <= 0 {
		p.Initial = DefaultBackoff.Initial
	}
	if p.Max <= 0 {
		p.Max = DefaultBackoff.Max
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultBackoff.Multiplier
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = DefaultBackoff.Jitter
	}
	return p
}

// Delay returns the wait before retry number retry (1-based). The result
// stays within Max even after jitter.
func (p BackoffPolicy) Delay(retry int) time.Duration {
	return p.delay(retry, rand.Float64())
}

// delay applies jitter from a sample r in [0,1).
func (p BackoffPolicy) delay(retry int, r float64) time.Duration {
	if retry < 1 {
		retry = 1
	}

	base := float64(p.Initial) * math.Pow(p.Multiplier, float64(retry-1))
	if base > float64(p.Max) {
		base = float64(p.Max)
	}

	d := base * (1 + p.Jitter*(2*r-1))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(math.Round(d))
}
