package hirewire

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hirewire/hirewire/sdk/golang/clock"
)

// ============================================================================
// Options
// ============================================================================

// Option configures Realtime.
type Option func(*options)

type options struct {
	log        *slog.Logger
	clock      clock.Clock
	dialer     Dialer
	httpClient *http.Client
	navigator  Navigator
	tokens     TokenStore
	registerer prometheus.Registerer
	session    *Session
	onBurst    func(time.Time)
}

func WithLogger(log *slog.Logger) Option { return func(o *options) { o.log = log } }

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithDialer replaces the WebSocket transport.
func WithDialer(d Dialer) Option { return func(o *options) { o.dialer = d } }

func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithNavigator sets where ban enforcement navigates.
func WithNavigator(n Navigator) Option { return func(o *options) { o.navigator = n } }

func WithTokenStore(s TokenStore) Option { return func(o *options) { o.tokens = s } }

// WithRegisterer registers metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithSession seeds the session guard.
func WithSession(s Session) Option { return func(o *options) { o.session = &s } }

// WithBurstHandler is told about abnormal click bursts.
func WithBurstHandler(f func(at time.Time)) Option { return func(o *options) { o.onBurst = f } }

// ============================================================================
// Realtime
// ============================================================================

// Realtime wires the sync layer together: one session guard, one
// connection, and the components riding on it.
type Realtime struct {
	Tokens   TokenStore
	API      *Client
	Conn     *ConnectionManager
	Session  *SessionGuard
	Presence *PresenceScheduler
	Ban      *BanWatcher
	Rooms    *RoomRegistry
	Messages *MessageBuffer
	Notice   *BanNotice
	Metrics  *Metrics

	cfg   Config
	log   *slog.Logger
	clock clock.Clock

	unsubs    []func()
	closeOnce sync.Once
}

// New builds the sync layer. Nothing connects until Start or Login.
func New(cfg Config, opts ...Option) *Realtime {
	cfg.defaults()
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	log := loggerOrDefault(o.log)
	clk := o.clock
	if clk == nil {
		clk = clock.Real()
	}
	tokens := o.tokens
	if tokens == nil {
		tokens = NewMemoryTokenStore("")
	}
	dialer := o.dialer
	if dialer == nil {
		dialer = &WSDialer{HTTPClient: o.httpClient}
	}

	r := &Realtime{
		Tokens:  tokens,
		Notice:  &BanNotice{},
		Metrics: NewMetrics(o.registerer),
		cfg:     cfg,
		log:     log,
		clock:   clk,
	}

	clientOpts := []ClientOption{WithClientLogger(log)}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, WithClientHTTP(o.httpClient))
	}
	r.API = NewClient(cfg.BaseURL, tokens, clientOpts...)

	sessionOpts := []SessionOption{WithSessionLogger(log), WithSessionMetrics(r.Metrics)}
	if o.session != nil {
		sessionOpts = append(sessionOpts, WithInitialSession(*o.session))
	}
	r.Session = NewSessionGuard(tokens, r.API, sessionOpts...)

	r.Conn = NewConnectionManager(ConnectionConfig{
		URL:                  cfg.SocketURL,
		Dialer:               dialer,
		Tokens:               tokens,
		Clock:                clk,
		Logger:               log,
		Metrics:              r.Metrics,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		DialTimeout:          cfg.DialTimeout,
	})

	r.Presence = NewPresenceScheduler(r.Conn, PresenceConfig{
		Interval:      cfg.HeartbeatInterval,
		Throttle:      cfg.ActivityThrottle,
		Authenticated: r.Session.Authenticated,
		Clicks:        NewClickWindow(cfg.ClickBurstLimit, cfg.ClickBurstWindow, clk),
		OnBurst:       o.onBurst,
		Clock:         clk,
		Logger:        log,
		Metrics:       r.Metrics,
	})

	r.Ban = NewBanWatcher(r.Conn, BanWatcherConfig{
		Users:        r.API,
		Logout:       r.forcedLogout,
		Navigator:    o.navigator,
		Notice:       r.Notice,
		SignInPath:   cfg.SignInPath,
		PollInterval: cfg.BanPollInterval,
		Active:       r.Session.Authenticated,
		Clock:        clk,
		Logger:       log,
		Metrics:      r.Metrics,
	})

	r.Rooms = NewRoomRegistry(r.Conn, clk, log)
	r.Messages = NewMessageBuffer(r.API, MessageBufferConfig{
		SelfID:  func() string { return r.Session.Session().UserID },
		Clock:   clk,
		Logger:  log,
		Metrics: r.Metrics,
	})
	r.unsubs = append(r.unsubs, r.Messages.Attach(r.Rooms))
	return r
}

// Start restores the session and, when authenticated, brings up the
// connection, the ban watcher and the presence heartbeat. A ban detected
// during restore is enforced immediately. A restore overtaken by a login or
// logout activates nothing.
func (r *Realtime) Start(ctx context.Context) (Session, error) {
	s, err := r.Session.Restore(ctx)
	if banErr, ok := asBanError(err); ok {
		r.Ban.Trigger(BanEvent{Reason: banErr.Reason, ReceivedAt: r.clock.Now()}, BanSourcePoll)
		return r.Session.Session(), err
	}
	if errors.Is(err, ErrSessionChanged) {
		return s, err
	}
	if s.IsAuthenticated {
		r.activate(ctx)
	}
	return s, err
}

// Login stores a fresh token, restores the session from it and activates.
// Only an authenticated result re-arms the ban latch. A live connection
// opened with a different token is replaced.
func (r *Realtime) Login(ctx context.Context, token string) (Session, error) {
	s, err := r.Session.Login(ctx, token)
	if err != nil {
		return s, err
	}
	r.Ban.Reset()
	if snap := r.Conn.Snapshot(); snap.Status == StatusConnected && snap.LastToken != token {
		r.log.Info("realtime.login.reconnect", "conn_id", snap.ID)
		if err := r.Conn.Teardown(); err != nil {
			r.log.Debug("realtime.teardown.failed", "error", err)
		}
	}
	r.activate(ctx)
	return s, nil
}

// Logout deactivates everything, disconnects with the logout notice and
// ends the session.
func (r *Realtime) Logout(ctx context.Context) error {
	r.deactivate()
	if err := r.Conn.Disconnect(ctx); err != nil {
		r.log.Debug("realtime.disconnect.failed", "error", err)
	}
	r.Messages.reset()
	return r.Session.Logout(ctx)
}

// Close stops every component. The Realtime cannot be restarted.
func (r *Realtime) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.deactivate()
		for _, u := range r.unsubs {
			u()
		}
		r.Rooms.Close()
		err = r.Conn.Close()
	})
	return err
}

// Config returns the effective configuration, defaults applied.
func (r *Realtime) Config() Config { return r.cfg }

func (r *Realtime) activate(ctx context.Context) {
	if _, err := r.Conn.Connect(ctx, r.Tokens.Token()); err != nil {
		r.log.Warn("realtime.connect.failed", "error", err)
	}
	r.Ban.Start(ctx)
	r.Presence.Activate()
}

func (r *Realtime) deactivate() {
	r.Presence.Deactivate()
	r.Ban.Stop()
}

// forcedLogout is the ban watcher's logout step. The connection is already
// torn down when it runs.
func (r *Realtime) forcedLogout(ctx context.Context) error {
	r.Presence.Deactivate()
	r.Messages.reset()
	return r.Session.Logout(ctx)
}

func asBanError(err error) (*BanError, bool) {
	var be *BanError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
