package hirewire

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// AuthAPI is the REST surface the session guard needs.
type AuthAPI interface {
	CurrentUser(ctx context.Context) (*User, error)
	Logout(ctx context.Context) error
}

// SessionOption configures a SessionGuard.
type SessionOption func(*SessionGuard)

// WithSessionLogger sets the logger.
func WithSessionLogger(log *slog.Logger) SessionOption {
	return func(g *SessionGuard) { g.log = log }
}

// WithSessionMetrics sets the metrics sink.
func WithSessionMetrics(m *Metrics) SessionOption {
	return func(g *SessionGuard) { g.metrics = m }
}

// WithInitialSession seeds the guard with a previously known session, such
// as one persisted by an earlier run.
func WithInitialSession(s Session) SessionOption {
	return func(g *SessionGuard) { g.session = s }
}

// SessionGuard owns the Session and restores it from the token store with
// at most one restoration in flight.
type SessionGuard struct {
	tokens  TokenStore
	api     AuthAPI
	log     *slog.Logger
	metrics *Metrics

	group singleflight.Group

	mu      sync.RWMutex
	session Session
	// epoch moves on every login, logout and reset. A restore only commits
	// under the epoch it started in.
	epoch uint64

	onLogin  handlerSet[func(Session)]
	onLogout handlerSet[func()]
}

func NewSessionGuard(tokens TokenStore, api AuthAPI, opts ...SessionOption) *SessionGuard {
	g := &SessionGuard{tokens: tokens, api: api}
	for _, opt := range opts {
		opt(g)
	}
	g.log = loggerOrDefault(g.log)
	return g
}

// Session returns a copy of the current session.
func (g *SessionGuard) Session() Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.session
}

// Authenticated reports whether the session is authenticated.
func (g *SessionGuard) Authenticated() bool {
	return g.Session().IsAuthenticated
}

// Restore validates the stored token against the current-user endpoint.
// Concurrent callers share one in-flight restoration and its result.
//
// A missing token yields an initialized, unauthenticated session and no
// error. A network failure keeps the previous authentication state. An auth
// failure clears the token. A ban error leaves the session for the ban
// watcher to end. A restore overtaken by Login, Logout or Reset changes
// nothing and returns the current session with ErrSessionChanged.
func (g *SessionGuard) Restore(ctx context.Context) (Session, error) {
	g.mu.RLock()
	epoch := g.epoch
	g.mu.RUnlock()

	key := "restore:" + strconv.FormatUint(epoch, 10)
	v, err, shared := g.group.Do(key, func() (any, error) {
		return g.restore(ctx, epoch)
	})
	if shared {
		g.log.Debug("session.restore.shared")
	}
	s, _ := v.(Session)
	return s, err
}

func (g *SessionGuard) restore(ctx context.Context, epoch uint64) (Session, error) {
	token := g.tokens.Token()
	if token == "" {
		s, ok := g.commit(epoch, func(s *Session) { *s = Session{IsInitialized: true} })
		if !ok {
			return g.superseded(s)
		}
		g.metrics.incRestore("no_token")
		g.log.Info("session.restore", "outcome", "no_token")
		return s, nil
	}

	user, err := g.api.CurrentUser(ctx)
	var (
		outcome string
		update  func(*Session)
	)
	switch {
	case err == nil:
		outcome = "authenticated"
		update = func(s *Session) {
			*s = Session{Token: token, UserID: user.ID, IsAuthenticated: true, IsInitialized: true}
		}
	case IsAuthError(err):
		outcome = "auth_error"
		update = func(s *Session) {
			if cerr := g.tokens.Clear(); cerr != nil {
				g.log.Error("session.token.clear_failed", "error", cerr)
			}
			*s = Session{IsInitialized: true}
		}
	case IsBanError(err):
		outcome = "banned"
		update = func(s *Session) { s.IsInitialized = true }
	default:
		outcome = "network_error"
		update = func(s *Session) { s.IsInitialized = true }
	}

	s, ok := g.commit(epoch, update)
	if !ok {
		return g.superseded(s)
	}
	g.metrics.incRestore(outcome)
	if err == nil {
		g.log.Info("session.restore", "outcome", outcome, "user_id", user.ID)
	} else {
		g.log.Warn("session.restore", "outcome", outcome, "error", err,
			"authenticated", s.IsAuthenticated)
	}
	return s, err
}

// commit applies update unless the epoch moved on since the restore began.
func (g *SessionGuard) commit(epoch uint64, update func(*Session)) (Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.epoch != epoch {
		return g.session, false
	}
	update(&g.session)
	return g.session, true
}

func (g *SessionGuard) superseded(current Session) (Session, error) {
	g.metrics.incRestore("superseded")
	g.log.Info("session.restore", "outcome", "superseded")
	return current, ErrSessionChanged
}

// Login stores token and restores the session from it. Login hooks run
// when the result is authenticated.
func (g *SessionGuard) Login(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return g.Session(), ErrNoToken
	}
	g.mu.Lock()
	if err := g.tokens.SetToken(token); err != nil {
		g.mu.Unlock()
		return g.Session(), err
	}
	g.epoch++
	g.mu.Unlock()

	s, err := g.Restore(ctx)
	if err != nil {
		return s, err
	}
	if !s.IsAuthenticated {
		return s, errors.New("login did not authenticate")
	}
	for _, h := range g.onLogin.snapshot() {
		safeCall(g.log, "login", func() { h(s) })
	}
	return s, nil
}

// Logout ends the server session, clears the token and the session. Local
// state is cleared even when the server call fails; that error is returned.
func (g *SessionGuard) Logout(ctx context.Context) error {
	var remoteErr error
	if g.tokens.Token() != "" && g.api != nil {
		remoteErr = g.api.Logout(ctx)
	}
	if err := g.tokens.Clear(); err != nil {
		g.log.Error("session.token.clear_failed", "error", err)
	}
	g.replace(Session{IsInitialized: true})
	g.log.Info("session.logout")

	for _, h := range g.onLogout.snapshot() {
		safeCall(g.log, "logout", func() { h() })
	}
	return remoteErr
}

// Reset forgets the session entirely, including initialization.
func (g *SessionGuard) Reset() {
	g.replace(Session{})
}

// OnLogin registers a hook run after each successful Login.
func (g *SessionGuard) OnLogin(h func(Session)) func() {
	return g.onLogin.add(h)
}

// OnLogout registers a hook run after each Logout.
func (g *SessionGuard) OnLogout(h func()) func() {
	return g.onLogout.add(h)
}

// replace installs s and invalidates any restore in flight.
func (g *SessionGuard) replace(s Session) {
	g.mu.Lock()
	g.session = s
	g.epoch++
	g.mu.Unlock()
}
