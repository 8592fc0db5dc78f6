package ledger

import (
	"testing"
	"time"
)

func TestBackoff_DelayGrowsAndCaps(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: 30 * time.Second, MaxAttempts: 5}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_LargeBaseNeverWrapsBelowCap(t *testing.T) {
	b := Backoff{Base: time.Hour, Max: 24 * time.Hour}
	prev := time.Duration(0)
	for attempt := 0; attempt < 70; attempt++ {
		got := b.Delay(attempt)
		if got < prev || got > b.Max {
			t.Fatalf("Delay(%d) = %v after %v, want non-decreasing up to %v", attempt, got, prev, b.Max)
		}
		prev = got
	}
	if got := b.Delay(30); got != 24*time.Hour {
		t.Errorf("Delay(30) = %v, want cap", got)
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	low := Backoff{Base: time.Second, Max: time.Hour, Jitter: 0.2, Rand: func() float64 { return 0 }}
	high := Backoff{Base: time.Second, Max: time.Hour, Jitter: 0.2, Rand: func() float64 { return 0.999999 }}

	if got := low.Delay(3); got != 6400*time.Millisecond {
		t.Errorf("low jitter = %v, want 6.4s", got)
	}
	if got := high.Delay(3); got < 9590*time.Millisecond || got > 9600*time.Millisecond {
		t.Errorf("high jitter = %v, want ~9.6s", got)
	}

	capped := Backoff{Base: time.Second, Max: 10 * time.Second, Jitter: 0.5, Rand: func() float64 { return 0.99 }}
	if got := capped.Delay(10); got != 10*time.Second {
		t.Errorf("jitter must not exceed cap, got %v", got)
	}
}

func TestBackoff_Exhausted(t *testing.T) {
	b := DefaultBackoff()
	if b.Exhausted(4) {
		t.Error("4 attempts should not exhaust a budget of 5")
	}
	if !b.Exhausted(5) || !b.Exhausted(6) {
		t.Error("5 attempts should exhaust the budget")
	}
}
