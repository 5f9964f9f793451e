// Package resilience provides reliability patterns for subprocess and
// external-sink failures.
package resilience

import "time"

// Backoff computes exponential restart delays for the terminal supervisor.
// Failure 0 waits Base before the next attempt, failure 1 waits
// Base*Factor, and so on. MaxAttempts bounds total process attempts: with
// MaxAttempts 3 the third failure exhausts the budget.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	MaxAttempts int
}

// Delay returns the wait before the given zero-based restart attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return b.Base
	}
	d := float64(b.Base)
	for range attempt {
		d *= b.Factor
	}
	return time.Duration(d)
}

// Exhausted reports whether the zero-based failed attempt was the last one
// in the budget.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt+1 >= b.MaxAttempts
}
