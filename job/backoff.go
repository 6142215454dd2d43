package job

import "time"

// Backoff returns the retry delay before the next attempt: the base delay
// doubled per completed attempt, capped at the ceiling. Attempt 1 waits the
// base delay.
func Backoff(base time.Duration, attempts int, ceiling time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
