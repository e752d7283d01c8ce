// Package clock abstracts the wall clock so timed server internals, like
// the limiter sweeper, can be driven deterministically in tests.
package clock

import "time"

// Clock is the time surface the server depends on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real is the wall clock. Now always reports UTC.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) Sleep(d time.Duration) { time.Sleep(d) }
