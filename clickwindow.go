package hirewire

import (
	"sync"
	"time"

	"github.com/hirewire/hirewire/sdk/golang/clock"
)

// ClickWindow is a sliding buffer of recent click timestamps used to flag
// abnormal input velocity. It is diagnostic only.
type ClickWindow struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration

	cooldown *Slot
}

// NewClickWindow flags more than limit clicks inside window. After a flag,
// further bursts are not reported again until window has passed.
func NewClickWindow(limit int, window time.Duration, c clock.Clock) *ClickWindow {
	if limit <= 0 {
		limit = 15
	}
	if window <= 0 {
		window = 2 * time.Second
	}
	return &ClickWindow{
		events:   make([]time.Time, 0, limit+8),
		limit:    limit,
		window:   window,
		cooldown: NewSlot(c),
	}
}

// Record adds a click at now and reports whether it starts an abnormal burst.
func (w *ClickWindow) Record(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cut := now.Add(-w.window)
	dst := w.events[:0]
	for _, t := range w.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	w.events = append(dst, now)

	if len(w.events) <= w.limit {
		return false
	}
	return w.cooldown.Arm(w.window, func() {})
}

// Len returns the number of clicks currently inside the window.
func (w *ClickWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

// Reset empties the window and ends any cooldown.
func (w *ClickWindow) Reset() {
	w.mu.Lock()
	w.events = w.events[:0]
	w.mu.Unlock()
	w.cooldown.Disarm()
}
