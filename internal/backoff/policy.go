// Package backoff provides exponential backoff utilities with jitter for
// retry logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// JitterMax is the upper bound of the random additive jitter.
	JitterMax time.Duration
	// Max caps the computed delay. Zero means no cap.
	Max time.Duration
}

// Compute calculates the delay for a retry, where retryCount is the number
// of failures so far (0 for the first retry).
func (p Policy) Compute(retryCount int) time.Duration {
	return p.ComputeWithRand(retryCount, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the delay using a provided random value in
// [0.0, 1.0). Split out so tests can be deterministic.
func (p Policy) ComputeWithRand(retryCount int, randomValue float64) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}

	base := float64(p.Base) * math.Pow(factor, float64(retryCount))
	jitter := float64(p.JitterMax) * randomValue
	total := base + jitter

	if p.Max > 0 && total > float64(p.Max) {
		total = float64(p.Max)
	}
	return time.Duration(total)
}

// Default returns the retry policy used by the task worker: 5s base doubled
// per attempt, up to 1s of jitter, capped at one hour.
func Default() Policy {
	return Policy{
		Base:      5 * time.Second,
		Factor:    2,
		JitterMax: time.Second,
		Max:       time.Hour,
	}
}
