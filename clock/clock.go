// Package clock abstracts the timers used by the sync layer so tests can
// drive heartbeat, throttle, poll and backoff deadlines deterministically.
//
// Production code uses Real(). Tests use Fake(start) and move time with
// Advance; callbacks scheduled with AfterFunc run synchronously inside
// Advance, in deadline order, with Now() reporting each callback's deadline.
package clock

import "time"

// Clock is the subset of the time package the sync layer depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f once d has elapsed and returns a Timer that can
	// cancel the call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop cancels the call. It reports false if the call already ran or
	// was already stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
