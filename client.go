package hirewire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator of the sync layer. It reads the bearer
// token from the TokenStore on every request.
type Client struct {
	baseURL    string
	tokens     TokenStore
	httpClient *http.Client
	timeout    time.Duration
	log        *slog.Logger
}

type ClientOption func(*Client)

func WithClientHTTP(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithClientTimeout sets the request timeout on a private copy of the HTTP
// client, whatever the option order.
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a REST client rooted at baseURL.
func NewClient(baseURL string, tokens TokenStore, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if tokens == nil {
		tokens = NewMemoryTokenStore("")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}
	c.log = loggerOrDefault(c.log)
	return c
}

// ============================================================================
// Endpoints
// ============================================================================

// CurrentUser fetches the authenticated user. Errors are classified:
// *NetworkError for transport failures, *AuthError for 401, *BanError for
// a ban-specific 403.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var out CurrentUserResponse
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

// Logout ends the server-side session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
}

// SendMessage posts a message and returns the authoritative copy.
func (c *Client) SendMessage(ctx context.Context, conversationID, body, clientMessageID string) (*Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, &APIError{Code: "INVALID_INPUT", Message: "conversation id is required"}
	}
	var out SendMessageResponse
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	err := c.do(ctx, http.MethodPost, path, SendMessageRequest{Body: body, ClientMessageID: clientMessageID}, &out)
	if err != nil {
		return nil, err
	}
	if out.Message.ConversationID == "" {
		out.Message.ConversationID = conversationID
	}
	return &out.Message, nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return nil
	}

	apiErr := decodeAPIError(resp.StatusCode, data)
	c.log.Debug("http.error", "method", method, "path", path, "status", resp.StatusCode, "code", apiErr.Code)
	return classifyStatus(resp.StatusCode, apiErr)
}

func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{}
	if err := json.Unmarshal(data, apiErr); err != nil || (apiErr.Code == "" && apiErr.Message == "") {
		var wrapped struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(data, &wrapped) == nil && wrapped.Error != nil {
			return wrapped.Error
		}
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// classifyStatus maps an HTTP failure into the sync layer's error taxonomy.
func classifyStatus(status int, apiErr *APIError) error {
	switch {
	case apiErr.Code == CodeAccountBanned:
		return &BanError{Reason: apiErr.Message}
	case status == http.StatusUnauthorized:
		return &AuthError{Status: status, API: apiErr}
	case status == http.StatusNotFound && apiErr.Code == CodeUserNotFound:
		return &AuthError{Status: status, API: apiErr}
	case status == http.StatusForbidden && strings.Contains(strings.ToLower(apiErr.Message), "banned"):
		return &BanError{Reason: apiErr.Message}
	case status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return &NetworkError{Op: "http", Err: fmt.Errorf("status %d: %w", status, apiErr)}
	default:
		return apiErr
	}
}
