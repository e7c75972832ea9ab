package stealth

import (
	"math/rand"
	"time"
)

// RandomDelay returns a duration uniformly drawn from [min, max].
func RandomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

// JitteredDelay perturbs base by up to ±factor of itself. Never negative.
func JitteredDelay(base time.Duration, factor float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitter := (rand.Float64()*2 - 1) * factor * float64(base)
	d := time.Duration(float64(base) + jitter)
	if d < 0 {
		return 0
	}
	return d
}

// ExponentialBackoff returns base * 2^attempt with ±30% jitter, capped at max
// before jitter is applied. Attempt counts from 0.
func ExponentialBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	return JitteredDelay(d, 0.3)
}
