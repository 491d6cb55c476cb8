package queue

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := NewBackoff(time.Minute, 30*time.Minute)
	b.JitterFraction = 0

	tests := []struct {
		name     string
		attempts int
		want     time.Duration
	}{
		{name: "first failure", attempts: 1, want: time.Minute},
		{name: "second failure doubles", attempts: 2, want: 2 * time.Minute},
		{name: "third failure doubles again", attempts: 3, want: 4 * time.Minute},
		{name: "capped at max", attempts: 10, want: 30 * time.Minute},
		{name: "zero treated as first", attempts: 0, want: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.Delay(tt.attempts); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempts, got, tt.want)
			}
		})
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(time.Minute, 30*time.Minute)

	for i := 0; i < 100; i++ {
		d := b.Delay(2)
		if d < 2*time.Minute || d > 2*time.Minute+12*time.Second {
			t.Fatalf("Delay(2) = %v, want within [2m, 2m12s]", d)
		}
	}
}

func TestBackoffDeterministicJitter(t *testing.T) {
	b := NewBackoff(time.Minute, 30*time.Minute)
	b.rnd = func() float64 { return 0.5 }

	if got, want := b.Delay(1), time.Minute+3*time.Second; got != want {
		t.Errorf("Delay(1) = %v, want %v", got, want)
	}
}

func TestNewBackoffNormalizesBounds(t *testing.T) {
	b := NewBackoff(0, 0)
	if b.Base != DefaultBaseBackoff {
		t.Errorf("Base = %v, want %v", b.Base, DefaultBaseBackoff)
	}
	if b.Max != b.Base {
		t.Errorf("Max = %v, want %v", b.Max, b.Base)
	}
}

func TestNextHour(t *testing.T) {
	now := time.Date(2026, 3, 4, 10, 17, 42, 0, time.UTC)
	want := time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)

	if got := NextHour(now); !got.Equal(want) {
		t.Errorf("NextHour(%v) = %v, want %v", now, got, want)
	}
	if got := NextHour(want); !got.Equal(want.Add(time.Hour)) {
		t.Errorf("NextHour on boundary = %v, want %v", got, want.Add(time.Hour))
	}
}
