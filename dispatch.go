package hirewire

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// ============================================================================
// Handler sets
// ============================================================================

// handlerSet is a fan-out list in which every registration gets its own
// removal handle. Removing one handler never affects another.
type handlerSet[T any] struct {
	mu  sync.RWMutex
	seq uint64
	m   map[uint64]T
}

func (s *handlerSet[T]) add(h T) func() {
	s.mu.Lock()
	if s.m == nil {
		s.m = make(map[uint64]T)
	}
	s.seq++
	id := s.seq
	s.m[id] = h
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.m, id)
			s.mu.Unlock()
		})
	}
}

// snapshot returns the handlers in registration order.
func (s *handlerSet[T]) snapshot() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint64, 0, len(s.m))
	for id := range s.m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.m[id])
	}
	return out
}

func (s *handlerSet[T]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// ============================================================================
// Event bus
// ============================================================================

// EventHandler receives one inbound event.
type EventHandler func(event string, data json.RawMessage)

// eventBus routes inbound envelopes by event name. Handlers run on the
// dispatching goroutine in registration order; a panicking handler is
// logged and skipped.
type eventBus struct {
	log *slog.Logger

	mu     sync.Mutex
	topics map[string]*handlerSet[EventHandler]
}

func (b *eventBus) set(event string) *handlerSet[EventHandler] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics == nil {
		b.topics = make(map[string]*handlerSet[EventHandler])
	}
	hs, ok := b.topics[event]
	if !ok {
		hs = &handlerSet[EventHandler]{}
		b.topics[event] = hs
	}
	return hs
}

func (b *eventBus) subscribe(event string, h EventHandler) func() {
	return b.set(event).add(h)
}

func (b *eventBus) publish(env Envelope) {
	b.mu.Lock()
	hs := b.topics[env.Event]
	b.mu.Unlock()
	if hs == nil {
		return
	}
	for _, h := range hs.snapshot() {
		b.call(env, h)
	}
}

func (b *eventBus) call(env Envelope, h EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			loggerOrDefault(b.log).Error("dispatch.handler.panic", "event", env.Event, "panic", r)
		}
	}()
	h(env.Event, env.Data)
}

// safeCall runs a lifecycle hook, logging instead of propagating a panic.
func safeCall(log *slog.Logger, hook string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			loggerOrDefault(log).Error("hook.panic", "hook", hook, "panic", r)
		}
	}()
	f()
}
