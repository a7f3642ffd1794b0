package confirm

import (
	"math"
	"testing"
	"time"
)

func TestFixedDelay(t *testing.T) {
	tests := []struct {
		name     string
		delay    time.Duration
		attempts []int
	}{
		{
			name:     "standard delay",
			delay:    5 * time.Millisecond,
			attempts: []int{0, 1, 2, 5, 10, 100},
		},
		{
			name:     "zero delay",
			delay:    0,
			attempts: []int{0, 1, 2, 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delayFunc := Fixed(tt.delay)

			for _, attempt := range tt.attempts {
				if got := delayFunc(attempt); got != tt.delay {
					t.Errorf("Fixed(%v) for attempt %d = %v, want %v", tt.delay, attempt, got, tt.delay)
				}
			}
		})
	}
}

func TestExponentialDelay(t *testing.T) {
	type step struct {
		attempt  int
		expected time.Duration
	}

	tests := []struct {
		name     string
		delay    time.Duration
		maxDelay time.Duration
		steps    []step
	}{
		{
			name:     "drain polling",
			delay:    5 * time.Millisecond,
			maxDelay: 100 * time.Millisecond,
			steps: []step{
				{attempt: 0, expected: 5 * time.Millisecond},
				{attempt: 1, expected: 10 * time.Millisecond},
				{attempt: 2, expected: 20 * time.Millisecond},
				{attempt: 3, expected: 40 * time.Millisecond},
				{attempt: 4, expected: 80 * time.Millisecond},
				{attempt: 5, expected: 100 * time.Millisecond},
				{attempt: 50, expected: 100 * time.Millisecond},
			},
		},
		{
			name:     "zero max delay",
			delay:    time.Second,
			maxDelay: 0,
			steps: []step{
				{attempt: 0, expected: 0},
				{attempt: 3, expected: 0},
			},
		},
		{
			name:     "zero delay",
			delay:    0,
			maxDelay: time.Second,
			steps: []step{
				{attempt: 0, expected: 0},
				{attempt: 10, expected: 0},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delayFunc := Exponential(tt.delay, tt.maxDelay)

			for _, s := range tt.steps {
				if got := delayFunc(s.attempt); got != s.expected {
					t.Errorf("Exponential(%v, %v) for attempt %d = %v, want %v",
						tt.delay, tt.maxDelay, s.attempt, got, s.expected)
				}
			}
		})
	}
}

func TestExponentialDelayOverflow(t *testing.T) {
	delayFunc := Exponential(1<<50, math.MaxInt64)

	// (1<<50) << 20 would overflow int64, only 12 shifts are applied
	if got := delayFunc(20); got != 1<<62 {
		t.Errorf("got %v, want %v", got, time.Duration(1<<62))
	}

	delayFunc = Exponential(math.MaxInt64, math.MaxInt64)
	if got := delayFunc(1); got != math.MaxInt64 {
		t.Errorf("got %v, want %v", got, time.Duration(math.MaxInt64))
	}
}
