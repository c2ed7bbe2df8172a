package hirewire

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirewire/hirewire/sdk/golang/clock"
)

func TestConnectWithoutTokenIsNoop(t *testing.T) {
	f := newConnFixture(t, "")

	c, err := f.conn.Connect(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = f.conn.GetOrCreate(context.Background())
	require.NoError(t, err)
	assert.Nil(t, c)

	assert.Equal(t, 0, f.dialer.dialCount())
	assert.Equal(t, StatusDisconnected, f.conn.Status())
	assert.Equal(t, 0, f.clock.Pending())
}

func TestGetOrCreateReturnsExistingConnection(t *testing.T) {
	f := newConnFixture(t, "tok-1")

	first, err := f.conn.GetOrCreate(context.Background())
	require.NoError(t, err)
	second, err := f.conn.GetOrCreate(context.Background())
	require.NoError(t, err)
	third, err := f.conn.Connect(context.Background(), "tok-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, StatusConnected, second.Status)
	assert.Equal(t, 0, second.ReconnectAttempt)
	assert.Equal(t, 1, f.dialer.dialCount())
	assert.Equal(t, "tok-1", f.dialer.records()[0].token)
}

func TestDisconnectSendsLogoutNotice(t *testing.T) {
	f := newConnFixture(t, "tok-1")
	fc := f.connect(t)

	var reasons []string
	f.conn.OnDisconnect(func(reason string) { reasons = append(reasons, reason) })

	require.NoError(t, f.conn.Disconnect(context.Background()))
	assert.Equal(t, []string{EventLogout}, fc.events())
	assert.True(t, fc.isClosed())
	assert.Equal(t, StatusDisconnected, f.conn.Status())
	assert.Equal(t, []string{"client disconnect"}, reasons)

	// Already disconnected: nothing happens.
	require.NoError(t, f.conn.Disconnect(context.Background()))
	assert.Len(t, reasons, 1)
	assert.Equal(t, 0, f.clock.Pending(), "no reconnect after an explicit disconnect")
}

func TestTeardownSkipsLogoutNotice(t *testing.T) {
	f := newConnFixture(t, "tok-1")
	fc := f.connect(t)

	require.NoError(t, f.conn.Teardown())
	assert.Empty(t, fc.events())
	assert.True(t, fc.isClosed())
	assert.Equal(t, 0, f.clock.Pending())
}

func TestEmitRequiresConnection(t *testing.T) {
	f := newConnFixture(t, "tok-1")
	err := f.conn.Emit(context.Background(), EventActivity, nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	fc := f.connect(t)
	require.NoError(t, f.conn.Emit(context.Background(), EventJoinConversation, ConversationRef{ConversationID: "C1"}))
	require.Len(t, fc.written, 1)
	assert.JSONEq(t, `{"conversationId":"C1"}`, string(fc.written[0].Data))
}

func TestReconnectBackoffRereadsTokenAndStops(t *testing.T) {
	f := newConnFixture(t, "tok-1")
	fc := f.connect(t)

	f.dialer.setFail(errors.New("connection refused"))
	require.NoError(t, f.tokens.SetToken("tok-2"))

	dropped := f.clock.Now()
	fc.drop()
	f.clock.WaitForTimers(1)
	f.clock.Advance(time.Minute)

	recs := f.dialer.records()[1:]
	require.Len(t, recs, 5)

	want := []time.Duration{1 * time.Second, 3 * time.Second, 7 * time.Second, 15 * time.Second, 25 * time.Second}
	for i, rec := range recs {
		assert.Equal(t, "tok-2", rec.token, "attempt %d must use the current token", i+1)
		assert.Equal(t, want[i], rec.at.Sub(dropped), "attempt %d", i+1)
	}
	assert.Equal(t, 0, f.clock.Pending(), "no attempt after the limit")
	assert.Equal(t, StatusDisconnected, f.conn.Status())
	assert.Equal(t, 5, f.conn.Snapshot().ReconnectAttempt)

	f.clock.Advance(time.Hour)
	assert.Equal(t, 6, f.dialer.dialCount())
}

func TestGetOrCreateResumesAfterExhaustion(t *testing.T) {
	f := newConnFixture(t, "tok-1")
	fc := f.connect(t)

	f.dialer.setFail(errors.New("connection refused"))
	fc.drop()
	f.clock.WaitForTimers(1)
	f.clock.Advance(time.Minute)
	require.Equal(t, 6, f.dialer.dialCount())

	f.dialer.setFail(nil)
	c, err := f.conn.GetOrCreate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, StatusConnected, c.Status)
	assert.Equal(t, 0, c.ReconnectAttempt)
	assert.Equal(t, 7, f.dialer.dialCount())
}

func TestReconnectSucceedsAndResetsAttempts(t *testing.T) {
	f := newConnFixture(t, "tok-1")
	fc := f.connect(t)

	var mu sync.Mutex
	connects := 0
	f.conn.OnConnect(func(Connection) {
		mu.Lock()
		connects++
		mu.Unlock()
	})

	f.dialer.setFail(errors.New("connection refused"))
	fc.drop()
	f.clock.WaitForTimers(1)
	f.clock.Advance(1 * time.Second)
	assert.Equal(t, 2, f.dialer.dialCount())

	f.dialer.setFail(nil)
	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 3, f.dialer.dialCount())
	assert.Equal(t, StatusConnected, f.conn.Status())
	assert.Equal(t, 0, f.conn.Snapshot().ReconnectAttempt)

	mu.Lock()
	assert.Equal(t, 1, connects)
	mu.Unlock()
}

func TestReconnectAbortsWithoutToken(t *testing.T) {
	f := newConnFixture(t, "tok-1")
	fc := f.connect(t)

	require.NoError(t, f.tokens.Clear())
	fc.drop()
	f.clock.WaitForTimers(1)
	f.clock.Advance(time.Minute)

	assert.Equal(t, 1, f.dialer.dialCount())
	assert.Equal(t, StatusDisconnected, f.conn.Status())
}

func TestSubscribeFanOutAndUnsubscribe(t *testing.T) {
	f := newConnFixture(t, "tok-1")
	fc := f.connect(t)

	var mu sync.Mutex
	var gotA, gotB []string
	unsubA := f.conn.Subscribe(EventUserStatusUpdate, func(_ string, data json.RawMessage) {
		mu.Lock()
		gotA = append(gotA, string(data))
		mu.Unlock()
	})
	f.conn.Subscribe(EventUserStatusUpdate, func(_ string, data json.RawMessage) {
		mu.Lock()
		gotB = append(gotB, string(data))
		mu.Unlock()
	})

	fc.pushRaw(EventUserStatusUpdate, `{"userId":"u1","status":"online"}`)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotB) == 1
	}, time.Second, 5*time.Millisecond)

	unsubA()
	unsubA()
	fc.pushRaw(EventUserStatusUpdate, `{"userId":"u1","status":"away"}`)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotB) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, gotA, 1)
}

func TestPanickingHandlerDoesNotStopDispatch(t *testing.T) {
	f := newConnFixture(t, "tok-1")
	fc := f.connect(t)

	got := make(chan string, 1)
	f.conn.Subscribe(EventUserBanned, func(string, json.RawMessage) { panic("boom") })
	f.conn.Subscribe(EventUserBanned, func(event string, _ json.RawMessage) { got <- event })

	fc.pushRaw(EventUserBanned, `{"message":"spam"}`)
	select {
	case ev := <-got:
		assert.Equal(t, EventUserBanned, ev)
	case <-time.After(time.Second):
		t.Fatal("second handler not called")
	}
}

func TestConnectionStateMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	clk := clock.Fake(testEpoch)
	dialer := &fakeDialer{clock: clk}
	m := NewConnectionManager(ConnectionConfig{
		Dialer:  dialer,
		Tokens:  NewMemoryTokenStore("tok-1"),
		Clock:   clk,
		Logger:  quietLogger(),
		Metrics: metrics,
	})
	t.Cleanup(func() { _ = m.Close() })

	_, err := m.GetOrCreate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConnectionState.WithLabelValues(string(StatusConnected))))

	dialer.setFail(errors.New("refused"))
	dialer.last().drop()
	clk.WaitForTimers(1)
	clk.Advance(time.Minute)
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.ReconnectAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ReconnectsExhausted))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConnectionState.WithLabelValues(string(StatusDisconnected))))
}

func TestReconnectorSchedule(t *testing.T) {
	r := reconnector{baseDelay: time.Second, maxDelay: 10 * time.Second, maxAttempts: 5}
	var got []time.Duration
	for r.shouldReconnect() {
		got = append(got, r.nextDelay())
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second,
	}, got)

	r.reset()
	assert.True(t, r.shouldReconnect())
}
