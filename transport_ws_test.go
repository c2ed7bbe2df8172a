package hirewire

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// newSocketServer accepts connections bearing tok-1, sends the given frames,
// then forwards every frame it reads to the returned channel.
func newSocketServer(t *testing.T, frames ...string) (*httptest.Server, <-chan Envelope) {
	t.Helper()
	got := make(chan Envelope, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok-1" || r.Header.Get("Authorization") != "Bearer tok-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "")

		ctx := r.Context()
		for _, f := range frames {
			if err := c.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil {
				got <- env
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestWSDialerRoundTrip(t *testing.T) {
	srv, got := newSocketServer(t,
		`not json`,
		`{"event":"user-status-update","data":{"userId":"u1","status":"online"}}`,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := (&WSDialer{ReadLimit: 1 << 16}).Dial(ctx, socketURLFor(srv.URL), "tok-1")
	require.NoError(t, err)
	defer conn.Close("test done")

	_, err = conn.Read(ctx)
	assert.ErrorIs(t, err, errBadFrame)

	env, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventUserStatusUpdate, env.Event)
	assert.JSONEq(t, `{"userId":"u1","status":"online"}`, string(env.Data))

	out, err := NewEnvelope(EventActivity, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, out))

	select {
	case env := <-got:
		assert.Equal(t, EventActivity, env.Event)
		assert.Empty(t, env.Data)
	case <-ctx.Done():
		t.Fatal("server did not receive the frame")
	}
}

func TestWSDialerRejectedHandshake(t *testing.T) {
	srv, _ := newSocketServer(t)
	_, err := (&WSDialer{}).Dial(context.Background(), socketURLFor(srv.URL), "wrong")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
}

func TestConnectionManagerOverWebSocket(t *testing.T) {
	srv, got := newSocketServer(t, `{"event":"user-banned","data":{"message":"spam"}}`)
	m := NewConnectionManager(ConnectionConfig{
		URL:    socketURLFor(srv.URL),
		Tokens: NewMemoryTokenStore("tok-1"),
		Logger: quietLogger(),
	})
	defer m.Close()

	banned := make(chan string, 1)
	m.Subscribe(EventUserBanned, func(_ string, data json.RawMessage) {
		var p UserBannedPayload
		_ = json.Unmarshal(data, &p)
		banned <- p.Message
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.GetOrCreate(ctx)
	require.NoError(t, err)

	select {
	case msg := <-banned:
		assert.Equal(t, "spam", msg)
	case <-ctx.Done():
		t.Fatal("no user-banned event")
	}

	require.NoError(t, m.Emit(ctx, EventActivity, nil))
	require.NoError(t, m.Disconnect(ctx))

	var events []string
	for len(events) < 2 {
		select {
		case env := <-got:
			events = append(events, env.Event)
		case <-ctx.Done():
			t.Fatalf("got %v", events)
		}
	}
	assert.Equal(t, []string{EventActivity, EventLogout}, events)
}
