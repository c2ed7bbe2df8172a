package hirewire

import (
	"sync"
	"time"

	"github.com/hirewire/hirewire/sdk/golang/clock"
)

// Slot holds at most one pending timer. Arm schedules only when the slot is
// empty (arm-if-absent) and Disarm cancels whatever is pending. Every armed
// timer carries the slot generation it was armed under; a callback whose
// generation is stale after Disarm is dropped instead of run.
//
// The heartbeat throttle, the reconnect backoff, the ban poll, the presence
// interval and the click-burst cooldown are all Slots.
type Slot struct {
	clock clock.Clock

	mu    sync.Mutex
	timer clock.Timer
	gen   uint64
}

// NewSlot returns an empty slot on c.
func NewSlot(c clock.Clock) *Slot {
	if c == nil {
		c = clock.Real()
	}
	return &Slot{clock: c}
}

// Arm schedules f after d unless a timer is already pending. It reports
// whether f was scheduled. The slot is empty again when f starts.
func (s *Slot) Arm(d time.Duration, f func()) bool {
	return s.schedule(d, f, false)
}

// Every runs f every d until Disarm. The next run is armed before f starts,
// so f may call Disarm to stop the interval.
func (s *Slot) Every(d time.Duration, f func()) bool {
	return s.schedule(d, f, true)
}

// Armed reports whether a timer is pending.
func (s *Slot) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Disarm cancels the pending timer, if any.
func (s *Slot) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Slot) schedule(d time.Duration, f func(), repeat bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return false
	}
	s.gen++
	s.startLocked(s.gen, d, f, repeat)
	return true
}

func (s *Slot) startLocked(gen uint64, d time.Duration, f func(), repeat bool) {
	s.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		if repeat {
			s.startLocked(gen, d, f, repeat)
		} else {
			s.timer = nil
		}
		s.mu.Unlock()
		f()
	})
}
