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
)

func newTestAPI(t *testing.T, handler http.HandlerFunc) (*Client, *MemoryTokenStore) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tokens := NewMemoryTokenStore("tok-1")
	return NewClient(srv.URL, tokens, WithClientLogger(quietLogger())), tokens
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCurrentUser(t *testing.T) {
	c, tokens := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/me", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			writeJSON(w, http.StatusUnauthorized, APIError{Code: CodeInvalidToken, Message: "Invalid token"})
			return
		}
		writeJSON(w, http.StatusOK, CurrentUserResponse{User: User{ID: "u1", Email: "a@b.co", Role: "candidate"}})
	})

	_, err := c.CurrentUser(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthError(err))

	require.NoError(t, tokens.SetToken("tok-2"))
	user, err := c.CurrentUser(context.Background())
	require.NoError(t, err, "token is read per request")
	assert.Equal(t, "u1", user.ID)
	assert.False(t, user.IsBanned)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		check  func(t *testing.T, err error)
	}{
		{
			name:   "ban code",
			status: http.StatusForbidden,
			body:   APIError{Code: CodeAccountBanned, Message: "spam"},
			check: func(t *testing.T, err error) {
				var be *BanError
				require.ErrorAs(t, err, &be)
				assert.Equal(t, "spam", be.Reason)
			},
		},
		{
			name:   "ban message in wrapped body",
			status: http.StatusForbidden,
			body:   map[string]any{"error": map[string]string{"code": "FORBIDDEN", "message": "Account is banned"}},
			check:  func(t *testing.T, err error) { assert.True(t, IsBanError(err)) },
		},
		{
			name:   "user not found",
			status: http.StatusNotFound,
			body:   APIError{Code: CodeUserNotFound, Message: "gone"},
			check:  func(t *testing.T, err error) { assert.True(t, IsAuthError(err)) },
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			body:   "bad gateway",
			check:  func(t *testing.T, err error) { assert.True(t, IsNetworkError(err)) },
		},
		{
			name:   "plain forbidden",
			status: http.StatusForbidden,
			body:   APIError{Code: "FORBIDDEN", Message: "not allowed"},
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, "FORBIDDEN", apiErr.Code)
				assert.False(t, IsBanError(err))
				assert.False(t, IsAuthError(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			_, err := c.CurrentUser(context.Background())
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestTransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(srv.URL, NewMemoryTokenStore("tok"), WithClientLogger(quietLogger()))

	_, err := c.CurrentUser(context.Background())
	assert.True(t, IsNetworkError(err))
}

func TestSendMessageAndLogout(t *testing.T) {
	c, _ := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/conversations/C1/messages":
			var req SendMessageRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "Hello", req.Body)
			assert.Equal(t, "local-abc", req.ClientMessageID)
			writeJSON(w, http.StatusCreated, SendMessageResponse{Message: Message{ID: "m1", SenderID: "u1", Body: req.Body, ClientMessageID: req.ClientMessageID}})
		case "/api/auth/logout":
			assert.Equal(t, http.MethodPost, r.Method)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})

	msg, err := c.SendMessage(context.Background(), "C1", "Hello", "local-abc")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "C1", msg.ConversationID)

	require.NoError(t, c.Logout(context.Background()))

	_, err = c.SendMessage(context.Background(), " ", "Hello", "")
	assert.Error(t, err)
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func TestClientTimeoutCopiesHTTPClient(t *testing.T) {
	shared := &http.Client{}

	before := NewClient("http://example.test", nil, WithClientTimeout(3*time.Second), WithClientHTTP(shared))
	after := NewClient("http://example.test", nil, WithClientHTTP(shared), WithClientTimeout(3*time.Second))

	assert.Equal(t, 3*time.Second, before.httpClient.Timeout)
	assert.Equal(t, 3*time.Second, after.httpClient.Timeout)
	assert.NotSame(t, shared, before.httpClient)
	assert.NotSame(t, shared, after.httpClient)
	assert.Zero(t, shared.Timeout, "caller's client is left untouched")

	plain := NewClient("http://example.test", nil, WithClientHTTP(shared))
	assert.Same(t, shared, plain.httpClient)
}
