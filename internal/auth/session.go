// Package auth manages the bearer token used against the feed API.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"hipswatch/internal/config"
	"hipswatch/internal/metrics"
)

var (
	// ErrNoToken is returned by Current when no token is cached.
	ErrNoToken = errors.New("no token cached")
	// ErrEmptyToken is returned when the token endpoint answers without a token.
	ErrEmptyToken = errors.New("token endpoint returned no access token")
)

// AuthError reports a failed credential exchange or refresh.
type AuthError struct {
	Op         string // "refresh" or "reauth"
	StatusCode int    // zero on transport failures
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("auth %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("auth %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TokenSource is the narrow capability other components depend on.
type TokenSource interface {
	GetValidToken(ctx context.Context) (Token, error)
	Invalidate()
}

// Session acquires, refreshes and caches the bearer token.
type Session struct {
	client   *http.Client
	tokenURL string
	username string
	password string
	ttl      time.Duration
	margin   time.Duration
	timeout  time.Duration
	store    TokenStore
	now      func() time.Time
	log      *slog.Logger

	mu    sync.Mutex
	token *Token
}

// Option customises a Session.
type Option func(*Session)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// NewSession builds a session and seeds its cache from store, so a token
// acquired before a restart is reused while still valid.
func NewSession(cfg *config.Config, client *http.Client, store TokenStore, opts ...Option) *Session {
	s := &Session{
		client:   client,
		tokenURL: strings.TrimRight(cfg.APIURL, "/") + cfg.TokenPath,
		username: cfg.APIUsername,
		password: cfg.APIPassword,
		ttl:      cfg.TokenTTL,
		margin:   cfg.TokenRefreshMargin,
		timeout:  cfg.AuthTimeout,
		store:    store,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if store != nil {
		t, err := store.Load()
		if err != nil {
			s.log.Warn("ignoring stored token", "err", err)
		} else if t != nil {
			s.token = t
		}
	}
	return s
}

// GetValidToken returns the cached token while it is outside the refresh
// margin. Otherwise it tries a refresh, when a refresh value is held, and
// falls back to a full credential exchange. Transport failures are not
// retried here.
func (s *Session) GetValidToken(ctx context.Context) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token.UsableAt(now, s.margin) {
		return *s.token, nil
	}

	if s.token != nil && s.token.RefreshValue != "" {
		t, err := s.exchange(ctx, "refresh", url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {s.token.RefreshValue},
		})
		if err == nil {
			if t.RefreshValue == "" {
				t.RefreshValue = s.token.RefreshValue
			}
			s.accept(t)
			return t, nil
		}
		s.log.Warn("token refresh failed, re-authenticating", "err", err)
	}

	t, err := s.exchange(ctx, "reauth", url.Values{
		"username":   {s.username},
		"password":   {s.password},
		"grant_type": {"password"},
	})
	if err != nil {
		s.clearLocked()
		s.log.Error("failed to obtain token", "err", err)
		return Token{}, err
	}
	s.accept(t)
	s.log.Info("token obtained", "expires_at", t.ExpiresAt)
	return t, nil
}

// Invalidate drops the cached token, forcing the next call to re-acquire.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

// Current returns the cached token without any network activity.
func (s *Session) Current() (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return Token{}, ErrNoToken
	}
	return *s.token, nil
}

func (s *Session) accept(t Token) {
	s.token = &t
	if s.store == nil {
		return
	}
	if err := s.store.Save(t); err != nil {
		s.log.Warn("failed to persist token", "err", err)
	}
}

func (s *Session) clearLocked() {
	s.token = nil
	if s.store == nil {
		return
	}
	if err := s.store.Clear(); err != nil {
		s.log.Warn("failed to clear stored token", "err", err)
	}
}

// tokenResponse accepts both the OAuth2 field names and camelCase ones.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	AccessTokenCamel string `json:"accessToken"`
	ExpiresIn        int64  `json:"expires_in"`
	ExpiresInCamel   int64  `json:"expiresIn"`
	RefreshToken     string `json:"refresh_token"`
}

func (s *Session) exchange(ctx context.Context, op string, form url.Values) (Token, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, &AuthError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.TokenAcquisitions.WithLabelValues(op, "transport_error").Inc()
		return Token{}, &AuthError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		metrics.TokenAcquisitions.WithLabelValues(op, "rejected").Inc()
		return Token{}, &AuthError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		metrics.TokenAcquisitions.WithLabelValues(op, "malformed").Inc()
		return Token{}, &AuthError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode token response: %w", err)}
	}

	value := body.AccessToken
	if value == "" {
		value = body.AccessTokenCamel
	}
	if value == "" {
		metrics.TokenAcquisitions.WithLabelValues(op, "malformed").Inc()
		return Token{}, &AuthError{Op: op, StatusCode: resp.StatusCode, Err: ErrEmptyToken}
	}

	ttl := s.ttl
	expiresIn := body.ExpiresIn
	if expiresIn == 0 {
		expiresIn = body.ExpiresInCamel
	}
	if expiresIn > 0 {
		ttl = time.Duration(expiresIn) * time.Second
	}

	metrics.TokenAcquisitions.WithLabelValues(op, "ok").Inc()
	return Token{
		Value:        value,
		ExpiresAt:    s.now().Add(ttl),
		RefreshValue: body.RefreshToken,
	}, nil
}
