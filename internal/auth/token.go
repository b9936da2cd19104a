package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
)

// Token is a bearer credential for the feed API.
type Token struct {
	Value        string    `json:"access_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshValue string    `json:"refresh_token,omitempty"`
}

// UsableAt reports whether the token may still be presented at now, keeping
// margin of headroom before expiry.
func (t *Token) UsableAt(now time.Time, margin time.Duration) bool {
	return t != nil && t.Value != "" && now.Before(t.ExpiresAt.Add(-margin))
}

// TokenStore persists the current token across restarts.
type TokenStore interface {
	Load() (*Token, error)
	Save(t Token) error
	Clear() error
}

// FileTokenStore keeps the token as JSON in a single file, replaced atomically.
type FileTokenStore struct {
	path string
}

func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

// Load returns nil without error when no token has been stored yet.
func (s *FileTokenStore) Load() (*Token, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode token file %s: %w", s.path, err)
	}
	return &t, nil
}

func (s *FileTokenStore) Save(t Token) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return os.Chmod(s.path, 0o600)
}

func (s *FileTokenStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
