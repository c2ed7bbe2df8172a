package hirewire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/hirewire/hirewire/sdk/golang/clock"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes the backoff schedule: base, 2*base, 4*base, ...
// capped at maxDelay, for at most maxAttempts attempts in a row.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	jitter      float64
	attempt     int
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	delay := float64(r.baseDelay) * math.Pow(2, float64(r.attempt-1))
	if r.jitter > 0 {
		delay += rand.Float64() * float64(r.baseDelay) * r.jitter
	}
	return time.Duration(math.Min(delay, float64(r.maxDelay)))
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Configuration
// ============================================================================

// ConnectionConfig configures a ConnectionManager.
type ConnectionConfig struct {
	URL     string
	Dialer  Dialer
	Tokens  TokenStore
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// ReconnectJitter adds up to jitter*base of random delay. Zero keeps
	// the schedule deterministic.
	ReconnectJitter float64
	DialTimeout     time.Duration
}

func (c *ConnectionConfig) defaults() {
	if c.Dialer == nil {
		c.Dialer = &WSDialer{}
	}
	if c.Tokens == nil {
		c.Tokens = NewMemoryTokenStore("")
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 10 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single duplex connection of a session. Other
// components emit through it and subscribe to it; only the manager creates
// or destroys the connection.
type ConnectionManager struct {
	cfg   ConnectionConfig
	log   *slog.Logger
	clock clock.Clock

	// dialMu serializes handshakes so at most one connection is live.
	dialMu sync.Mutex

	mu          sync.Mutex
	status      ConnectionStatus
	conn        Conn
	connID      string
	connectedAt time.Time
	lastToken   string
	cancelRead  context.CancelFunc
	recon       reconnector
	stopped     bool
	epoch       uint64
	closed      bool

	retry        *Slot
	bus          eventBus
	onConnect    handlerSet[func(Connection)]
	onDisconnect handlerSet[func(reason string)]
}

// NewConnectionManager creates a manager. It does not connect.
func NewConnectionManager(cfg ConnectionConfig) *ConnectionManager {
	cfg.defaults()
	log := loggerOrDefault(cfg.Logger)
	m := &ConnectionManager{
		cfg:    cfg,
		log:    log,
		clock:  cfg.Clock,
		status: StatusDisconnected,
		recon: reconnector{
			baseDelay:   cfg.ReconnectBaseDelay,
			maxDelay:    cfg.ReconnectMaxDelay,
			maxAttempts: cfg.MaxReconnectAttempts,
			jitter:      cfg.ReconnectJitter,
		},
		retry: NewSlot(cfg.Clock),
		bus:   eventBus{log: log},
	}
	cfg.Metrics.setState(StatusDisconnected)
	return m
}

// Connect opens the connection with token. An empty token is a no-op that
// returns no connection and no error. When a connection is already live it
// is returned as is. A failed dial schedules automatic reconnection.
func (m *ConnectionManager) Connect(ctx context.Context, token string) (*Connection, error) {
	m.mu.Lock()
	m.stopped = false
	m.mu.Unlock()
	return m.connect(ctx, token)
}

// GetOrCreate returns the live connection or opens one with the current
// token. After automatic reconnection gave up it starts a fresh attempt
// budget.
func (m *ConnectionManager) GetOrCreate(ctx context.Context) (*Connection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.conn != nil {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return &snap, nil
	}
	m.stopped = false
	if !m.retry.Armed() {
		m.recon.reset()
	}
	m.mu.Unlock()
	return m.connect(ctx, m.cfg.Tokens.Token())
}

// Disconnect sends a best-effort logout notice, closes the connection and
// resets the attempt counter. It is a no-op when already disconnected.
// Transport errors during the close are logged, not returned.
func (m *ConnectionManager) Disconnect(ctx context.Context) error {
	return m.disconnect(ctx, true, "client disconnect")
}

// Teardown closes the connection immediately, without the logout notice.
func (m *ConnectionManager) Teardown() error {
	return m.disconnect(context.Background(), false, "teardown")
}

// Close tears the connection down and refuses further connects.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.disconnect(context.Background(), false, "closed")
}

// Emit sends one event over the live connection.
func (m *ConnectionManager) Emit(ctx context.Context, event string, data any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	env, err := NewEnvelope(event, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := conn.Write(ctx, env); err != nil {
		return &NetworkError{Op: "emit " + event, Err: err}
	}
	return nil
}

// Subscribe registers h for inbound event. Subscriptions outlive individual
// connections. The returned func removes only this handler.
func (m *ConnectionManager) Subscribe(event string, h EventHandler) func() {
	return m.bus.subscribe(event, h)
}

// OnConnect registers a hook run after every successful connect.
func (m *ConnectionManager) OnConnect(h func(Connection)) func() {
	return m.onConnect.add(h)
}

// OnDisconnect registers a hook run whenever a live connection ends.
func (m *ConnectionManager) OnDisconnect(h func(reason string)) func() {
	return m.onDisconnect.add(h)
}

// Status returns the connection status.
func (m *ConnectionManager) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connected reports whether a connection is live.
func (m *ConnectionManager) Connected() bool {
	return m.Status() == StatusConnected
}

// Snapshot returns the current connection state.
func (m *ConnectionManager) Snapshot() Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// ============================================================================
// Internals
// ============================================================================

func (m *ConnectionManager) connect(ctx context.Context, token string) (*Connection, error) {
	if token == "" {
		m.log.Debug("conn.connect.skip", "reason", "no token")
		return nil, nil
	}

	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.conn != nil {
		snap := m.snapshotLocked()
		m.mu.Unlock()
		return &snap, nil
	}
	epoch := m.epoch
	m.setStatusLocked(StatusConnecting)
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.cfg.Dialer.Dial(dctx, m.cfg.URL, token)
	cancel()
	if err != nil {
		m.mu.Lock()
		if m.epoch == epoch {
			m.setStatusLocked(StatusDisconnected)
		}
		m.mu.Unlock()
		m.log.Warn("conn.dial.failed", "error", err, "token", TokenFingerprint(token))
		m.scheduleReconnect()
		if IsAuthError(err) {
			return nil, err
		}
		return nil, &NetworkError{Op: "connect", Err: err}
	}

	now := m.clock.Now()
	m.mu.Lock()
	if m.closed || m.epoch != epoch {
		m.mu.Unlock()
		_ = conn.Close("superseded")
		return nil, ErrNotConnected
	}
	readCtx, cancelRead := context.WithCancel(context.Background())
	m.conn = conn
	m.connID = newID(now)
	m.connectedAt = now
	m.lastToken = token
	m.cancelRead = cancelRead
	m.recon.reset()
	m.setStatusLocked(StatusConnected)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.retry.Disarm()

	m.log.Info("conn.connected", "conn_id", snap.ID, "token", TokenFingerprint(token))
	go m.readLoop(readCtx, conn)

	for _, h := range m.onConnect.snapshot() {
		safeCall(m.log, "connect", func() { h(snap) })
	}
	return &snap, nil
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn Conn) {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, errBadFrame) {
				m.log.Debug("conn.frame.dropped")
				continue
			}
			m.handleDrop(conn, err)
			return
		}
		m.bus.publish(env)
	}
}

// handleDrop runs when the read side of conn fails. A connection that was
// already replaced or closed on purpose is ignored.
func (m *ConnectionManager) handleDrop(conn Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	cancel := m.cancelRead
	m.cancelRead = nil
	id := m.connID
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = conn.Close("read failed")

	m.log.Warn("conn.dropped", "conn_id", id, "error", cause)
	m.fireDisconnect(cause.Error())
	m.scheduleReconnect()
}

func (m *ConnectionManager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.stopped || m.conn != nil || m.retry.Armed() {
		return
	}
	if !m.recon.shouldReconnect() {
		m.log.Warn("conn.reconnect.exhausted", "attempts", m.recon.attempt)
		m.cfg.Metrics.incExhausted()
		return
	}
	delay := m.recon.nextDelay()
	m.retry.Arm(delay, m.reconnect)
	m.log.Info("conn.reconnect.scheduled", "attempt", m.recon.attempt, "delay", delay)
}

// reconnect re-reads the token on every attempt so a refreshed credential
// is used without restarting.
func (m *ConnectionManager) reconnect() {
	m.mu.Lock()
	skip := m.closed || m.stopped || m.conn != nil
	attempt := m.recon.attempt
	m.mu.Unlock()
	if skip {
		return
	}

	token := m.cfg.Tokens.Token()
	if token == "" {
		m.log.Info("conn.reconnect.abort", "reason", "no token")
		return
	}
	m.cfg.Metrics.incReconnect()
	m.log.Debug("conn.reconnect.attempt", "attempt", attempt, "token", TokenFingerprint(token))
	_, _ = m.connect(context.Background(), token)
}

func (m *ConnectionManager) disconnect(ctx context.Context, notify bool, reason string) error {
	m.mu.Lock()
	m.stopped = true
	m.epoch++
	m.recon.reset()
	conn := m.conn
	m.conn = nil
	cancel := m.cancelRead
	m.cancelRead = nil
	id := m.connID
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()
	m.retry.Disarm()

	if conn == nil {
		return nil
	}

	if notify {
		if env, err := NewEnvelope(EventLogout, nil); err == nil {
			wctx, wcancel := context.WithTimeout(ctx, time.Second)
			if err := conn.Write(wctx, env); err != nil {
				m.log.Debug("conn.logout_notice.failed", "error", err)
			}
			wcancel()
		}
	}
	if err := conn.Close(reason); err != nil {
		m.log.Debug("conn.close.failed", "conn_id", id, "error", err)
	}
	if cancel != nil {
		cancel()
	}

	m.log.Info("conn.disconnected", "conn_id", id, "reason", reason)
	m.fireDisconnect(reason)
	return nil
}

func (m *ConnectionManager) fireDisconnect(reason string) {
	for _, h := range m.onDisconnect.snapshot() {
		safeCall(m.log, "disconnect", func() { h(reason) })
	}
}

func (m *ConnectionManager) setStatusLocked(s ConnectionStatus) {
	m.status = s
	m.cfg.Metrics.setState(s)
}

func (m *ConnectionManager) snapshotLocked() Connection {
	c := Connection{
		Status:           m.status,
		ReconnectAttempt: m.recon.attempt,
		LastToken:        m.lastToken,
	}
	if m.conn != nil {
		c.ID = m.connID
		c.ConnectedAt = m.connectedAt
	}
	return c
}
