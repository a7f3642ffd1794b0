package confirm

import (
	"math"
	"time"
)

// DelayFunc returns how long to wait after the given attempt.
// It paces [Publisher.Close] while it waits for outstanding confirmations.
type DelayFunc func(attempt int) time.Duration

// Fixed returns a DelayFunc that returns the same delay for every attempt.
func Fixed(delay time.Duration) DelayFunc {
	return func(int) time.Duration {
		return delay
	}
}

// Exponential returns a DelayFunc doubling the delay on every attempt, capped at maxDelay.
//
// For example, with delay of 5ms and maxDelay of 100ms:
//
// Delay after attempt 0: 5ms
// Delay after attempt 1: 10ms
// Delay after attempt 2: 20ms
// Delay after attempt 3: 40ms
// Delay after attempt 4: 80ms
// Delay after attempt 5: 100ms
// ...
func Exponential(delay time.Duration, maxDelay time.Duration) DelayFunc {
	if delay <= 0 {
		return Fixed(0)
	}

	// shifts past this point overflow int64
	logDelay := math.Floor(math.Log2(float64(delay)))
	var maxShifts uint
	if logDelay < 62 {
		maxShifts = 62 - uint(logDelay)
	}

	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return min(delay, maxDelay)
		}

		// nolint:gosec
		n := min(uint(attempt), maxShifts)
		return min(delay<<n, maxDelay)
	}
}
