package resilience

import (
	"testing"
	"time"
)

func TestBackoffDelayGrowsExponentially(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Factor: 2, MaxAttempts: 3}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{-1, 5 * time.Second},
	}
	for _, c := range cases {
		if got := b.Delay(c.attempt); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoffExhausted(t *testing.T) {
	b := Backoff{Base: time.Second, Factor: 2, MaxAttempts: 3}

	if b.Exhausted(0) || b.Exhausted(1) {
		t.Error("budget of three attempts must survive the first two failures")
	}
	if !b.Exhausted(2) {
		t.Error("third failure must exhaust a budget of three attempts")
	}
}

func TestBackoffZeroBudget(t *testing.T) {
	b := Backoff{Base: time.Second, Factor: 2, MaxAttempts: 0}
	if !b.Exhausted(0) {
		t.Error("zero budget must be exhausted immediately")
	}
}
