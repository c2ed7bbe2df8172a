package hirewire

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	toml "github.com/pelletier/go-toml/v2"
)

// TokenStore holds the current bearer credential. Readers call Token for
// every operation instead of caching it; only explicit auth transitions
// (login, logout, refresh) write.
type TokenStore interface {
	Token() string
	SetToken(token string) error
	Clear() error
}

// ============================================================================
// MemoryTokenStore
// ============================================================================

// MemoryTokenStore is a goroutine-safe in-memory TokenStore.
type MemoryTokenStore struct {
	mu    sync.RWMutex
	token string
}

// NewMemoryTokenStore returns a store seeded with token (may be empty).
func NewMemoryTokenStore(token string) *MemoryTokenStore {
	return &MemoryTokenStore{token: token}
}

func (s *MemoryTokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *MemoryTokenStore) SetToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *MemoryTokenStore) Clear() error {
	return s.SetToken("")
}

// ============================================================================
// FileTokenStore
// ============================================================================

// tokenFile is the [auth] table of the CLI config file. Other tables in the
// file are preserved on write.
type tokenFile struct {
	Auth struct {
		Token   string `toml:"token"`
		UserID  string `toml:"user_id,omitempty"`
		Expires string `toml:"token_expires,omitempty"`
	} `toml:"auth"`
}

// FileTokenStore persists the token in the [auth] table of a TOML file so
// separate CLI invocations share one session.
type FileTokenStore struct {
	path string

	mu    sync.RWMutex
	token string
}

// NewFileTokenStore loads the token from path. A missing file is an empty
// store, not an error.
func NewFileTokenStore(path string) (*FileTokenStore, error) {
	s := &FileTokenStore{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var f tokenFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	s.token = f.Auth.Token
	return s, nil
}

// Path returns the backing file.
func (s *FileTokenStore) Path() string { return s.path }

func (s *FileTokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *FileTokenStore) SetToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(token); err != nil {
		return err
	}
	s.token = token
	return nil
}

func (s *FileTokenStore) Clear() error {
	return s.SetToken("")
}

func (s *FileTokenStore) writeLocked(token string) error {
	doc := map[string]any{}
	if data, err := os.ReadFile(s.path); err == nil {
		if err := toml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse token file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read token file: %w", err)
	}

	auth, _ := doc["auth"].(map[string]any)
	if auth == nil {
		auth = map[string]any{}
	}
	if token == "" {
		delete(auth, "token")
		delete(auth, "token_expires")
	} else {
		auth["token"] = token
		if exp, ok := TokenExpiry(token); ok {
			auth["token_expires"] = exp.UTC().Format(time.RFC3339)
		} else {
			delete(auth, "token_expires")
		}
	}
	doc["auth"] = auth

	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal token file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// ============================================================================
// Token introspection
// ============================================================================

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// The server remains the authority on validity; this is for display and
// for skipping obviously stale tokens.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// TokenSubject reads the sub claim of a JWT without verifying it.
func TokenSubject(token string) string {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return claims.Subject
}
