package hirewire

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hirewire/hirewire/sdk/golang/clock"
)

// InteractionKind is a user-input event that counts as activity.
type InteractionKind string

const (
	InteractionPointerMove InteractionKind = "pointer-move"
	InteractionClick       InteractionKind = "click"
	InteractionKeyPress    InteractionKind = "key-press"
)

// PresenceConfig configures a PresenceScheduler.
type PresenceConfig struct {
	Interval time.Duration
	Throttle time.Duration
	// EmitTimeout bounds the connect-and-emit of one heartbeat.
	EmitTimeout time.Duration

	// Authenticated gates every emission. Nil means always.
	Authenticated func() bool
	// Clicks, when set, classifies click bursts. OnBurst is told about
	// each abnormal burst.
	Clicks  *ClickWindow
	OnBurst func(at time.Time)

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

// PresenceScheduler emits the "activity" heartbeat: once on activation,
// every Interval while active, and on user interaction at most once per
// Throttle window.
type PresenceScheduler struct {
	conn *ConnectionManager
	cfg  PresenceConfig
	log  *slog.Logger

	mu     sync.Mutex
	active bool
	gen    uint64

	interval *Slot
	throttle *Slot
}

func NewPresenceScheduler(conn *ConnectionManager, cfg PresenceConfig) *PresenceScheduler {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Throttle == 0 {
		cfg.Throttle = 5 * time.Second
	}
	if cfg.EmitTimeout == 0 {
		cfg.EmitTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &PresenceScheduler{
		conn:     conn,
		cfg:      cfg,
		log:      loggerOrDefault(cfg.Logger),
		interval: NewSlot(cfg.Clock),
		throttle: NewSlot(cfg.Clock),
	}
}

// Activate emits one heartbeat and starts the interval. Activating an
// active scheduler does nothing.
func (p *PresenceScheduler) Activate() {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return
	}
	p.active = true
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	p.log.Debug("presence.activate")
	p.interval.Every(p.cfg.Interval, func() { p.emit(gen, "interval") })
	p.emit(gen, "activate")
}

// Deactivate cancels the interval and any throttled emission. The
// scheduler can be activated again afterwards.
func (p *PresenceScheduler) Deactivate() {
	p.mu.Lock()
	was := p.active
	p.active = false
	p.gen++
	p.mu.Unlock()

	p.interval.Disarm()
	p.throttle.Disarm()
	if p.cfg.Clicks != nil {
		p.cfg.Clicks.Reset()
	}
	if was {
		p.log.Debug("presence.deactivate")
	}
}

// Active reports whether the scheduler is running.
func (p *PresenceScheduler) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Interaction records one user-input event. The first event of a window
// schedules a heartbeat Throttle later; the rest are dropped.
func (p *PresenceScheduler) Interaction(kind InteractionKind) {
	p.mu.Lock()
	active, gen := p.active, p.gen
	p.mu.Unlock()
	if !active {
		return
	}

	if kind == InteractionClick && p.cfg.Clicks != nil {
		now := p.cfg.Clock.Now()
		if p.cfg.Clicks.Record(now) {
			p.cfg.Metrics.incBurst()
			p.log.Warn("presence.click_burst", "clicks", p.cfg.Clicks.Len())
			if p.cfg.OnBurst != nil {
				p.cfg.OnBurst(now)
			}
		}
	}

	if !p.throttle.Arm(p.cfg.Throttle, func() { p.emit(gen, string(kind)) }) {
		p.cfg.Metrics.incThrottled()
	}
}

func (p *PresenceScheduler) emit(gen uint64, cause string) {
	p.mu.Lock()
	ok := p.active && p.gen == gen
	p.mu.Unlock()
	if !ok {
		return
	}
	if p.cfg.Authenticated != nil && !p.cfg.Authenticated() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.EmitTimeout)
	defer cancel()

	if _, err := p.conn.GetOrCreate(ctx); err != nil {
		p.log.Debug("presence.connect.failed", "cause", cause, "error", err)
		return
	}
	if err := p.conn.Emit(ctx, EventActivity, nil); err != nil {
		p.log.Debug("presence.emit.failed", "cause", cause, "error", err)
		return
	}
	p.cfg.Metrics.incPresence()
	p.log.Debug("presence.emitted", "cause", cause)
}
