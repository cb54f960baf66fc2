// Package backoff provides exponential backoff with jitter for transport
// reconnection and bounded retries.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the ceiling in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the symmetric randomization factor (0.0 to 1.0): the
	// computed delay is perturbed by up to ±Jitter of its value.
	Jitter float64
}

// Compute calculates the backoff duration for a given attempt number.
// Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff duration using a provided random
// value in [0.0, 1.0). Deterministic, for tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := math.Min(policy.MaxMs, policy.InitialMs*math.Pow(policy.Factor, exp))

	// Map [0,1) to [-1,1) for symmetric jitter around the base delay.
	jitterAmount := base * policy.Jitter * (2*randomValue - 1)

	total := math.Min(policy.MaxMs, math.Max(0, base+jitterAmount))
	return time.Duration(math.Round(total)) * time.Millisecond
}

// ReconnectPolicy is the transport reconnection schedule: 25 ms initial,
// doubling to a 10 s ceiling, jittered ±10%. Attempts are unbounded; the
// caller loops until connected or shut down.
func ReconnectPolicy() Policy {
	return Policy{
		InitialMs: 25,
		MaxMs:     10000,
		Factor:    2,
		Jitter:    0.1,
	}
}

// TransientPolicy is the schedule for bounded retries of transient upstream
// failures (LLM 5xx). 250 ms initial, 5 s ceiling.
func TransientPolicy() Policy {
	return Policy{
		InitialMs: 250,
		MaxMs:     5000,
		Factor:    2,
		Jitter:    0.1,
	}
}
