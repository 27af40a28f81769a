package queue

import "time"

// retryDelay computes the backoff before the next attempt: the base delay
// doubled per prior retry, capped at the ceiling. No jitter is applied so
// successive delays for the same task never decrease.
func retryDelay(base, ceiling time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	if ceiling < base {
		ceiling = base
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}
