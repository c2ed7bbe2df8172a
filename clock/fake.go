package clock

import (
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. It is safe for concurrent use.
//
// Do not call Advance from inside an AfterFunc callback.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending map[uint64]*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	id       uint64
	deadline time.Time
	fn       func()
	clock    *FakeClock
}

// Fake returns a FakeClock whose time stands still at start until Advance.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{
		now:     start,
		pending: make(map[uint64]*fakeTimer),
	}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run when the clock is advanced past now+d.
// A non-positive d still waits for the next Advance call.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d < 0 {
		d = 0
	}
	c.seq++
	t := &fakeTimer{id: c.seq, deadline: c.now.Add(d), fn: f, clock: c}
	c.pending[t.id] = t
	c.changed.Broadcast()
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if _, ok := t.clock.pending[t.id]; !ok {
		return false
	}
	delete(t.clock.pending, t.id)
	t.clock.changed.Broadcast()
	return true
}

// Advance moves time forward by d, running every callback whose deadline
// falls inside the window. Callbacks scheduled by callbacks fire in the
// same call when their deadline is also inside the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.earliestLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		delete(c.pending, next.id)
		c.now = next.deadline
		c.changed.Broadcast()
		c.mu.Unlock()

		next.fn()
	}
}

func (c *FakeClock) earliestLocked(target time.Time) *fakeTimer {
	var best *fakeTimer
	for _, t := range c.pending {
		if t.deadline.After(target) {
			continue
		}
		if best == nil || t.deadline.Before(best.deadline) ||
			(t.deadline.Equal(best.deadline) && t.id < best.id) {
			best = t
		}
	}
	return best
}

// Pending returns the number of callbacks waiting to fire.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// WaitForTimers blocks until at least n callbacks are pending. Use it when
// another goroutine is about to schedule a callback the test will fire.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}
