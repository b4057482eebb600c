package worker

import (
	"testing"
	"time"
)

func TestRetryPolicy_Backoff_Exponential(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 30 * time.Second}, // clamped
	}

	for _, c := range cases {
		if got := p.Backoff(c.attempt); got != c.want {
			t.Errorf("Backoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestRetryPolicy_Backoff_DefaultsOnZeroValue(t *testing.T) {
	var p RetryPolicy
	if got := p.Backoff(1); got != time.Second {
		t.Errorf("expected zero-value policy to default InitialDelay to 1s, got %v", got)
	}
}
