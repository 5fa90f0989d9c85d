package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ExponentialBackoff builds the backoff schedule for a policy. Jitter is
// disabled unless the policy asks for it, so delays are exactly
// min(InitialInterval * Multiplier^(k-1), MaxInterval).
func ExponentialBackoff(policy Policy) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialInterval
	exp.MaxInterval = policy.MaxInterval
	exp.Multiplier = policy.Multiplier
	exp.RandomizationFactor = policy.Jitter
	exp.MaxElapsedTime = policy.MaxElapsedTime
	exp.Reset()
	return exp
}

// Delay returns the pause that follows failed attempt number attempt (1-based).
func Delay(attempt int, policy Policy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	duration := float64(policy.InitialInterval) * math.Pow(policy.Multiplier, float64(attempt-1))
	if policy.MaxInterval > 0 && duration > float64(policy.MaxInterval) {
		return policy.MaxInterval
	}
	return time.Duration(duration)
}
