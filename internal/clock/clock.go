// Package clock provides the time source and the tick scheduler driving the
// engine and the reconciler.
package clock

import "time"

// Clock is the time source. Injected so trigger evaluation and TTL logic can
// be tested against a frozen time.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fixed is a settable clock for tests.
type Fixed struct {
	T time.Time
}

func (f *Fixed) Now() time.Time { return f.T }

// Advance moves the fixed clock forward.
func (f *Fixed) Advance(d time.Duration) { f.T = f.T.Add(d) }
