package backoff

import (
	"testing"
	"time"
)

func TestLinear(t *testing.T) {
	l := Linear{Base: 2 * time.Second, Max: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := l.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential(t *testing.T) {
	e := Exponential{Base: 500 * time.Millisecond, Multiplier: 1.5}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, 750 * time.Millisecond},
		{3, 1125 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialCapAndDefaultMultiplier(t *testing.T) {
	e := Exponential{Base: time.Second, Max: 3 * time.Second}
	if got := e.Delay(2); got != 2*time.Second {
		t.Errorf("Delay(2) = %v, want 2s", got)
	}
	if got := e.Delay(5); got != 3*time.Second {
		t.Errorf("Delay(5) = %v, want capped 3s", got)
	}
}
