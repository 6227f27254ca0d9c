// Package backoff computes retry delays for failed delivery attempts.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Policy is exponential backoff with upward jitter and a hard cap:
//
//	delay(n) = min(Base * 2^n * (1 + JitterPct*r), Max), r in [0,1)
//
// With JitterPct <= 1 the result never decreases as n grows.
type Policy struct {
	Base      time.Duration
	Max       time.Duration
	JitterPct float64
	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

// Exponential returns base * 2^attempt, saturating instead of overflowing.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}
	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return base * time.Duration(multiplier)
}

// Delay returns the wait before the next attempt, given how many attempts
// have already been made.
func (p Policy) Delay(attempts int) time.Duration {
	d := Exponential(p.Base, attempts)
	if j := p.jitter(); j > 0 && (p.Max <= 0 || d < p.Max) {
		r := p.Rand
		if r == nil {
			r = rand.Float64 //nolint:gosec // jitter does not need crypto randomness
		}
		extra := float64(d) * j * r()
		if extra > float64(math.MaxInt64-int64(d)) {
			d = time.Duration(math.MaxInt64)
		} else {
			d += time.Duration(extra)
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Next returns now + Delay(attempts).
func (p Policy) Next(now time.Time, attempts int) time.Time {
	return now.Add(p.Delay(attempts))
}

func (p Policy) jitter() float64 {
	switch {
	case p.JitterPct <= 0:
		return 0
	case p.JitterPct > 1:
		return 1
	}
	return p.JitterPct
}
