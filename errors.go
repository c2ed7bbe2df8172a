package hirewire

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an emit needs a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrNoToken is returned when an operation needs a bearer token and the
	// token store is empty.
	ErrNoToken = errors.New("no session token")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")

	// ErrSessionChanged is returned by a restore that was overtaken by a
	// login, logout or reset. Its result was discarded.
	ErrSessionChanged = errors.New("session changed during restore")
)

// APIError is the error body returned by the REST API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Error codes the sync layer reacts to.
const (
	CodeInvalidToken  = "INVALID_TOKEN"
	CodeTokenExpired  = "TOKEN_EXPIRED"
	CodeUserNotFound  = "USER_NOT_FOUND"
	CodeAccountBanned = "ACCOUNT_BANNED"
)

// NetworkError is a transient connectivity failure. It never deauthenticates.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: network: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError is an explicit authentication failure: the credential is
// invalid, expired, or its user no longer exists.
type AuthError struct {
	Status int
	API    *APIError
}

func (e *AuthError) Error() string {
	if e.API != nil {
		return fmt.Sprintf("auth failed (%d): %s", e.Status, e.API.Error())
	}
	return fmt.Sprintf("auth failed (%d)", e.Status)
}

func (e *AuthError) Unwrap() error {
	if e.API == nil {
		return nil
	}
	return e.API
}

// BanError is an explicit ban signal from the REST API.
type BanError struct {
	Reason string
}

func (e *BanError) Error() string {
	if e.Reason == "" {
		return "account banned"
	}
	return "account banned: " + e.Reason
}

// SendError is a rejected message send. The optimistic entry has already
// been rolled back when it is returned.
type SendError struct {
	ConversationID string
	LocalID        string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsAuthError reports whether err is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsBanError reports whether err is a BanError.
func IsBanError(err error) bool {
	var be *BanError
	return errors.As(err, &be)
}
