package transport

import (
	"testing"
	"time"
)

func TestBackoffMonotonicityNoJitter(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Second, Max: 15 * time.Second, Multiplier: 2, Jitter: 0}
	b := NewBackoff(cfg)

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 15 * time.Second, 15 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}

	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("after reset: got %v want %v", got, time.Second)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := BackoffConfig{Initial: time.Second, Max: 15 * time.Second, Multiplier: 2, Jitter: 0.2}
	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 15 * time.Second}

	for i := range expected {
		b := NewBackoff(cfg)
		for j := 0; j < i; j++ {
			b.Next()
		}
		got := b.Next()
		lo := time.Duration(float64(expected[i]) * 0.8)
		hi := time.Duration(float64(expected[i]) * 1.2)
		if got < lo || got > hi {
			t.Fatalf("attempt %d: got %v not in [%v, %v]", i+1, got, lo, hi)
		}
	}
}
