package worker

import "time"

// RetryPolicy controls how long a transient failure defers a command's
// queue visibility before redelivery.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy is used by dispatch loops that don't override it:
// exponential backoff starting at one second, capped at 30 seconds.
var DefaultRetryPolicy = RetryPolicy{
	InitialDelay: time.Second,
	MaxDelay:     30 * time.Second,
	Multiplier:   2,
}

// Backoff computes the redelivery delay for the given 1-based attempt
// number using exponential backoff, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if delay > maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
