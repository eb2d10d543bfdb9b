// Package backoff provides the delay strategies used for flight-level retries,
// harvest polling and bridge dialing. Strategies are stateless and safe for
// concurrent use.
package backoff

import (
	"math"
	"time"
)

// Strategy computes the delay before attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

var (
	_ Strategy = Linear{}
	_ Strategy = Exponential{}
)

// Linear grows the delay with the attempt number: min(Base * attempt, Max).
type Linear struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base * attempt, capped at Max when Max is set.
func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := l.Base * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// Exponential multiplies the delay each attempt:
// min(Base * Multiplier^(attempt-1), Max). A Multiplier below 1 is treated as 2.
type Exponential struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// Delay returns the exponential delay for attempt.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	m := e.Multiplier
	if m < 1 {
		m = 2
	}
	d := time.Duration(float64(e.Base) * math.Pow(m, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}
