package util

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     400 * time.Millisecond,
		Multiplier:   2.0,
		JitterFactor: 0, // deterministic
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond, // capped
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Attempt %d: delay = %v, want %v", i, got, w)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
	})
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Errorf("Delay after reset = %v, want initial", got)
	}
}

func TestBackoffResetToMax(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	})
	b.ResetToMax()
	if got := b.Next(); got != 5*time.Second {
		t.Errorf("Delay after ResetToMax = %v, want max", got)
	}
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     1 * time.Second,
		Multiplier:   1.0,
		JitterFactor: 0.25,
	})
	for i := 0; i < 100; i++ {
		d := b.Next()
		if d < 750*time.Millisecond || d > 1250*time.Millisecond {
			t.Fatalf("Jittered delay %v outside ±25%% band", d)
		}
	}
}
