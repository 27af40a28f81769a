package queue

import (
	"testing"
	"time"
)

func TestRetryDelayDoublesUpToCeiling(t *testing.T) {
	base := time.Second
	ceiling := 10 * time.Second

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for retryCount, want := range expected {
		if got := retryDelay(base, ceiling, retryCount); got != want {
			t.Fatalf("retryDelay(%d) = %s, want %s", retryCount, got, want)
		}
	}
}

func TestRetryDelayNeverDecreases(t *testing.T) {
	base := 500 * time.Millisecond
	ceiling := time.Minute

	previous := time.Duration(0)
	for retryCount := 0; retryCount < 20; retryCount++ {
		delay := retryDelay(base, ceiling, retryCount)
		if delay < previous {
			t.Fatalf("delay decreased at retry %d: %s after %s", retryCount, delay, previous)
		}
		previous = delay
	}
}

func TestRetryDelayHandlesDegenerateBounds(t *testing.T) {
	if got := retryDelay(0, time.Minute, 3); got != 0 {
		t.Fatalf("expected zero delay for zero base, got %s", got)
	}
	if got := retryDelay(time.Second, time.Millisecond, 5); got != time.Second {
		t.Fatalf("expected ceiling clamped up to base, got %s", got)
	}
}
