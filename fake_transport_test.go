package hirewire

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hirewire/hirewire/sdk/golang/clock"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errDropped = errors.New("connection dropped by server")

type fakeConn struct {
	inbox  chan Envelope
	closed chan struct{}

	mu          sync.Mutex
	written     []Envelope
	closeOnce   sync.Once
	closeReason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (Envelope, error) {
	select {
	case <-c.closed:
		return Envelope{}, errDropped
	default:
	}
	select {
	case env := <-c.inbox:
		return env, nil
	case <-c.closed:
		return Envelope{}, errDropped
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, env Envelope) error {
	select {
	case <-c.closed:
		return errDropped
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, env)
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

// drop simulates the server ending the connection.
func (c *fakeConn) drop() { c.Close("server") }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(t *testing.T, event string, data any) {
	t.Helper()
	env, err := NewEnvelope(event, data)
	require.NoError(t, err)
	c.inbox <- env
}

func (c *fakeConn) pushRaw(event, raw string) {
	c.inbox <- Envelope{Event: event, Data: json.RawMessage(raw)}
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, env := range c.written {
		out = append(out, env.Event)
	}
	return out
}

func (c *fakeConn) count(event string) int {
	n := 0
	for _, e := range c.events() {
		if e == event {
			n++
		}
	}
	return n
}

type dialRecord struct {
	url   string
	token string
	at    time.Time
}

type fakeDialer struct {
	clock clock.Clock

	mu    sync.Mutex
	dials []dialRecord
	conns []*fakeConn
	fail  error
}

func (d *fakeDialer) Dial(_ context.Context, url, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := dialRecord{url: url, token: token}
	if d.clock != nil {
		rec.at = d.clock.Now()
	}
	d.dials = append(d.dials, rec)
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) records() []dialRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dialRecord(nil), d.dials...)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type connFixture struct {
	clock  *clock.FakeClock
	dialer *fakeDialer
	tokens *MemoryTokenStore
	conn   *ConnectionManager
}

func newConnFixture(t *testing.T, token string) *connFixture {
	t.Helper()
	clk := clock.Fake(testEpoch)
	f := &connFixture{
		clock:  clk,
		dialer: &fakeDialer{clock: clk},
		tokens: NewMemoryTokenStore(token),
	}
	f.conn = NewConnectionManager(ConnectionConfig{
		URL:    "ws://sync.test/socket",
		Dialer: f.dialer,
		Tokens: f.tokens,
		Clock:  clk,
		Logger: quietLogger(),
	})
	t.Cleanup(func() { _ = f.conn.Close() })
	return f
}

// connect opens the fixture connection and returns its fake transport.
func (f *connFixture) connect(t *testing.T) *fakeConn {
	t.Helper()
	c, err := f.conn.GetOrCreate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, c)
	return f.dialer.last()
}

type stubUsers struct {
	mu    sync.Mutex
	calls int
	user  *User
	err   error
	gate  chan struct{}
}

func (s *stubUsers) CurrentUser(ctx context.Context) (*User, error) {
	s.mu.Lock()
	s.calls++
	gate := s.gate
	user, err := s.user, s.err
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	u := *user
	return &u, nil
}

func (s *stubUsers) set(user *User, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user, s.err = user, err
}

func (s *stubUsers) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
