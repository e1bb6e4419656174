package mailbox

import (
	"math"
	"time"
)

// Timeout bounds a wait. The zero value waits indefinitely.
type Timeout struct {
	d       time.Duration
	bounded bool
	invalid bool
}

// NoTimeout waits until the signal is set.
func NoTimeout() Timeout {
	return Timeout{}
}

// After bounds a wait by d. A non-positive d checks the current state and
// returns without blocking.
func After(d time.Duration) Timeout {
	return Timeout{d: d, bounded: true}
}

// Seconds converts float seconds, as found in config files and flags, into a
// Timeout. Infinite and NaN values yield a timeout every wait rejects with
// ErrInvalidTimeout.
func Seconds(s float64) Timeout {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return Timeout{invalid: true}
	}
	ns := s * float64(time.Second)
	if ns >= math.MaxInt64 {
		return After(time.Duration(math.MaxInt64))
	}
	if ns <= math.MinInt64 {
		return After(time.Duration(math.MinInt64))
	}
	return After(time.Duration(ns))
}

func (t Timeout) Validate() error {
	if t.invalid {
		return ErrInvalidTimeout
	}
	return nil
}

// Bounded reports whether the wait has a deadline.
func (t Timeout) Bounded() bool {
	return t.bounded && !t.invalid
}

// Immediate reports whether the wait must not block at all.
func (t Timeout) Immediate() bool {
	return t.Bounded() && t.d <= 0
}

func (t Timeout) Duration() time.Duration {
	if !t.Bounded() {
		return 0
	}
	return t.d
}

func (t Timeout) String() string {
	switch {
	case t.invalid:
		return "invalid"
	case !t.bounded:
		return "none"
	default:
		return t.d.String()
	}
}
