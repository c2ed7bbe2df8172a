package hirewire

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hirewire/hirewire/sdk/golang/clock"
)

// ============================================================================
// Collaborators
// ============================================================================

// Navigator performs a full navigation to path.
type Navigator interface {
	Navigate(path string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string) error

func (f NavigatorFunc) Navigate(path string) error { return f(path) }

// UserSource fetches the current user.
type UserSource interface {
	CurrentUser(ctx context.Context) (*User, error)
}

// BanNotice carries the ban reason across the forced navigation so the
// sign-in page shows it exactly once.
type BanNotice struct {
	mu      sync.Mutex
	reason  string
	pending bool
}

// Arm records a notice to show.
func (n *BanNotice) Arm(reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reason = reason
	n.pending = true
}

// Consume returns the pending notice and marks it shown.
func (n *BanNotice) Consume() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.pending {
		return "", false
	}
	n.pending = false
	return n.reason, true
}

// Clear drops any notice state.
func (n *BanNotice) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reason = ""
	n.pending = false
}

// ============================================================================
// BanWatcher
// ============================================================================

// BanState is the enforcement latch.
type BanState int32

const (
	BanIdle BanState = iota
	BanEnforcing
	BanDone
)

func (s BanState) String() string {
	switch s {
	case BanIdle:
		return "idle"
	case BanEnforcing:
		return "enforcing"
	case BanDone:
		return "done"
	default:
		return "unknown"
	}
}

// BanMarkerParam is the query parameter added to the sign-in path.
const BanMarkerParam = "banned"

// BanWatcherConfig configures a BanWatcher.
type BanWatcherConfig struct {
	Users UserSource
	// Logout ends the session. Its error is logged and otherwise ignored.
	Logout    func(ctx context.Context) error
	Navigator Navigator
	Notice    *BanNotice

	SignInPath   string
	PollInterval time.Duration
	PollTimeout  time.Duration

	// Active gates polling. Nil means always.
	Active func() bool

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

// BanWatcher turns ban signals from the push event and the status poll into
// exactly one forced logout per authenticated session.
type BanWatcher struct {
	conn *ConnectionManager
	cfg  BanWatcherConfig
	log  *slog.Logger

	state atomic.Int32
	poll  *Slot

	mu         sync.Mutex
	pushUnsub  func()
	hookUnsub  func()
	lastSource BanSource
}

func NewBanWatcher(conn *ConnectionManager, cfg BanWatcherConfig) *BanWatcher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.SignInPath == "" {
		cfg.SignInPath = "/sign-in"
	}
	if cfg.Notice == nil {
		cfg.Notice = &BanNotice{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &BanWatcher{
		conn: conn,
		cfg:  cfg,
		log:  loggerOrDefault(cfg.Logger),
		poll: NewSlot(cfg.Clock),
	}
}

// Start arms both channels and runs one poll right away. The push
// subscription is re-checked after every successful connect. Calling Start
// on a started watcher does nothing.
func (w *BanWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.hookUnsub == nil {
		w.hookUnsub = w.conn.OnConnect(func(Connection) { w.armPush() })
	}
	w.mu.Unlock()
	w.armPush()

	if w.cfg.Users == nil {
		return
	}
	if w.poll.Every(w.cfg.PollInterval, func() { w.pollOnce(context.Background()) }) {
		w.pollOnce(ctx)
	}
}

// Stop disarms both channels. The latch is left as is.
func (w *BanWatcher) Stop() {
	w.poll.Disarm()
	w.mu.Lock()
	push, hook := w.pushUnsub, w.hookUnsub
	w.pushUnsub, w.hookUnsub = nil, nil
	w.mu.Unlock()
	if push != nil {
		push()
	}
	if hook != nil {
		hook()
	}
}

// Reset returns the latch to idle. Only a fresh login calls it.
func (w *BanWatcher) Reset() {
	w.state.Store(int32(BanIdle))
	w.mu.Lock()
	w.lastSource = ""
	w.mu.Unlock()
}

// State returns the latch state.
func (w *BanWatcher) State() BanState {
	return BanState(w.state.Load())
}

// Trigger feeds one ban signal. It reports whether this call performed the
// enforcement; every trigger after the first is dropped.
func (w *BanWatcher) Trigger(ev BanEvent, src BanSource) bool {
	w.cfg.Metrics.incBanTrigger(src)
	if !w.state.CompareAndSwap(int32(BanIdle), int32(BanEnforcing)) {
		w.cfg.Metrics.incBanDropped()
		w.log.Debug("ban.trigger.dropped", "source", src, "state", w.State().String())
		return false
	}
	w.mu.Lock()
	w.lastSource = src
	w.mu.Unlock()

	w.enforce(ev, src)
	w.state.Store(int32(BanDone))
	return true
}

// Source returns the channel that triggered the last enforcement.
func (w *BanWatcher) Source() BanSource {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSource
}

func (w *BanWatcher) enforce(ev BanEvent, src BanSource) {
	w.log.Warn("ban.enforce", "source", src, "reason", ev.Reason)
	w.poll.Disarm()

	if err := w.conn.Teardown(); err != nil {
		w.log.Debug("ban.teardown.failed", "error", err)
	}

	if w.cfg.Logout != nil {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.PollTimeout)
		if err := w.cfg.Logout(ctx); err != nil {
			w.log.Warn("ban.logout.failed", "error", err)
		}
		cancel()
	}

	w.cfg.Notice.Clear()
	w.cfg.Notice.Arm(ev.Reason)

	if w.cfg.Navigator != nil {
		if err := w.cfg.Navigator.Navigate(w.signInURL()); err != nil {
			w.log.Error("ban.navigate.failed", "error", err)
		}
	}
	w.cfg.Metrics.incEnforcement()
}

func (w *BanWatcher) signInURL() string {
	u, err := url.Parse(w.cfg.SignInPath)
	if err != nil {
		return w.cfg.SignInPath + "?" + BanMarkerParam + "=1"
	}
	q := u.Query()
	q.Set(BanMarkerParam, "1")
	u.RawQuery = q.Encode()
	return u.String()
}

func (w *BanWatcher) armPush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pushUnsub != nil {
		return
	}
	w.pushUnsub = w.conn.Subscribe(EventUserBanned, func(_ string, data json.RawMessage) {
		var p UserBannedPayload
		if len(data) > 0 {
			_ = json.Unmarshal(data, &p)
		}
		w.Trigger(BanEvent{Reason: p.Message, ReceivedAt: w.cfg.Clock.Now()}, BanSourcePush)
	})
}

func (w *BanWatcher) pollOnce(ctx context.Context) {
	if w.State() != BanIdle {
		return
	}
	if w.cfg.Active != nil && !w.cfg.Active() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.PollTimeout)
	defer cancel()

	user, err := w.cfg.Users.CurrentUser(ctx)
	var banErr *BanError
	switch {
	case err == nil && user != nil && user.IsBanned:
		w.Trigger(BanEvent{Reason: user.BanReason, ReceivedAt: w.cfg.Clock.Now()}, BanSourcePoll)
	case errors.As(err, &banErr):
		w.Trigger(BanEvent{Reason: banErr.Reason, ReceivedAt: w.cfg.Clock.Now()}, BanSourcePoll)
	case err != nil:
		w.log.Debug("ban.poll.ignored", "error", err)
	}
}
