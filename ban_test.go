package hirewire

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type banFixture struct {
	*connFixture
	users   *stubUsers
	watcher *BanWatcher
	notice  *BanNotice
	metrics *Metrics

	logouts atomic.Int32
	mu      sync.Mutex
	navs    []string
}

func newBanFixture(t *testing.T, user *User, userErr error) *banFixture {
	t.Helper()
	f := &banFixture{
		connFixture: newConnFixture(t, "tok-1"),
		users:       &stubUsers{user: user, err: userErr},
		notice:      &BanNotice{},
		metrics:     NewMetrics(nil),
	}
	f.watcher = NewBanWatcher(f.conn, BanWatcherConfig{
		Users: f.users,
		Logout: func(context.Context) error {
			f.logouts.Add(1)
			return errors.New("logout endpoint unavailable")
		},
		Navigator: NavigatorFunc(func(path string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.navs = append(f.navs, path)
			return nil
		}),
		Notice:  f.notice,
		Clock:   f.clock,
		Logger:  quietLogger(),
		Metrics: f.metrics,
	})
	t.Cleanup(f.watcher.Stop)
	return f
}

func (f *banFixture) navigations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.navs...)
}

func TestBanPollThenPushEnforcesOnce(t *testing.T) {
	f := newBanFixture(t, &User{ID: "u1", IsBanned: true, BanReason: "spam"}, nil)
	fc := f.connect(t)

	f.watcher.Start(context.Background())

	assert.Equal(t, int32(1), f.logouts.Load())
	assert.Equal(t, BanDone, f.watcher.State())
	assert.Equal(t, BanSourcePoll, f.watcher.Source())
	assert.True(t, fc.isClosed(), "connection is torn down first")
	assert.Empty(t, fc.events(), "teardown sends no logout notice")
	assert.Equal(t, StatusDisconnected, f.conn.Status())
	assert.Equal(t, []string{"/sign-in?banned=1"}, f.navigations())

	f.clock.Advance(50 * time.Millisecond)
	assert.False(t, f.watcher.Trigger(BanEvent{Reason: "spam", ReceivedAt: f.clock.Now()}, BanSourcePush))

	assert.Equal(t, int32(1), f.logouts.Load())
	assert.Len(t, f.navigations(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BanTriggers.WithLabelValues(string(BanSourcePoll))))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BanTriggers.WithLabelValues(string(BanSourcePush))))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BanDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BanEnforcements))
	assert.Equal(t, 0, f.clock.Pending(), "polling stops after enforcement")

	reason, ok := f.notice.Consume()
	assert.True(t, ok)
	assert.Equal(t, "spam", reason)
	_, ok = f.notice.Consume()
	assert.False(t, ok, "notice shows once")
}

func TestBanPushEnforces(t *testing.T) {
	f := newBanFixture(t, &User{ID: "u1"}, nil)
	f.watcher.Start(context.Background())
	require.Equal(t, BanIdle, f.watcher.State())

	// The subscription predates the connection.
	fc := f.connect(t)
	fc.pushRaw(EventUserBanned, `{"message":"policy violation"}`)

	require.Eventually(t, func() bool { return f.watcher.State() == BanDone }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), f.logouts.Load())
	assert.Equal(t, BanSourcePush, f.watcher.Source())
	reason, ok := f.notice.Consume()
	require.True(t, ok)
	assert.Equal(t, "policy violation", reason)
}

func TestBanConcurrentTriggersEnforceOnce(t *testing.T) {
	f := newBanFixture(t, &User{ID: "u1"}, nil)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		src := BanSourcePush
		if i%2 == 0 {
			src = BanSourcePoll
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.watcher.Trigger(BanEvent{Reason: "dup"}, src) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), f.logouts.Load())
	assert.Len(t, f.navigations(), 1)
}

func TestBanPollIgnoresNetworkAndAuthErrors(t *testing.T) {
	f := newBanFixture(t, nil, &NetworkError{Op: "GET /api/auth/me", Err: errors.New("timeout")})
	f.watcher.Start(context.Background())

	f.clock.Advance(30 * time.Second)
	f.users.set(nil, &AuthError{Status: 401, API: &APIError{Code: CodeTokenExpired}})
	f.clock.Advance(30 * time.Second)

	assert.Equal(t, 3, f.users.callCount())
	assert.Equal(t, BanIdle, f.watcher.State())
	assert.Equal(t, int32(0), f.logouts.Load())

	f.users.set(nil, &BanError{Reason: "fraud"})
	f.clock.Advance(30 * time.Second)
	assert.Equal(t, BanDone, f.watcher.State())
	assert.Equal(t, int32(1), f.logouts.Load())
}

func TestBanLatchResetsOnlyOnReset(t *testing.T) {
	f := newBanFixture(t, &User{ID: "u1"}, nil)

	require.True(t, f.watcher.Trigger(BanEvent{Reason: "one"}, BanSourcePush))
	f.clock.Advance(24 * time.Hour)
	assert.False(t, f.watcher.Trigger(BanEvent{Reason: "two"}, BanSourcePush))

	f.watcher.Reset()
	assert.Equal(t, BanIdle, f.watcher.State())
	assert.True(t, f.watcher.Trigger(BanEvent{Reason: "three"}, BanSourcePoll))
	assert.Equal(t, int32(2), f.logouts.Load())
}

func TestBanStopDisarmsPolling(t *testing.T) {
	f := newBanFixture(t, &User{ID: "u1"}, nil)
	f.watcher.Start(context.Background())
	f.watcher.Start(context.Background())
	assert.Equal(t, 1, f.users.callCount(), "second Start does not poll again")
	assert.Equal(t, 1, f.clock.Pending())

	f.watcher.Stop()
	assert.Equal(t, 0, f.clock.Pending())
	f.clock.Advance(time.Hour)
	assert.Equal(t, 1, f.users.callCount())
}

func TestBanStateString(t *testing.T) {
	assert.Equal(t, "idle", BanIdle.String())
	assert.Equal(t, "enforcing", BanEnforcing.String())
	assert.Equal(t, "done", BanDone.String())
}
