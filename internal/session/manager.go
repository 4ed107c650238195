// Package session owns the access/refresh token pair. All remote calls run
// through Manager.WithValidToken, which transparently refreshes an expired
// token exactly once and never lets two callers refresh concurrently.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/leadminder/internal/crm"
	"github.com/MarcoPoloResearchLab/leadminder/internal/kvstore"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// StorageKey is the kvstore key holding the serialized session.
const StorageKey = "session"

const (
	defaultExpirySkew = 30 * time.Second
	fallbackTokenTTL  = 15 * time.Minute
	refreshFlightKey  = "refresh"
)

var (
	// ErrNoSession indicates no refresh token is available; the user must log in.
	ErrNoSession = errors.New("session: no session available")

	errMissingStore     = errors.New("session: key-value store is required")
	errMissingRefresher = errors.New("session: refresher is required")
)

// Token is the persisted session state.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Valid reports whether the access token is usable at the given instant.
func (t Token) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Unix() < t.ExpiresAt
}

// Refresher exchanges a refresh token for a new session.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (crm.TokenResponse, error)
}

// ManagerConfig describes a Manager.
type ManagerConfig struct {
	Store     kvstore.Store
	Refresher Refresher
	Clock     func() time.Time
	Logger    *zap.Logger
	// ExpirySkew treats a token expiring within the skew as already expired,
	// so a call issued right at the boundary does not race the backend.
	ExpirySkew time.Duration
}

// Manager is the single owner of the session token pair.
type Manager struct {
	store     kvstore.Store
	refresher Refresher
	clock     func() time.Time
	logger    *zap.Logger
	skew      time.Duration

	group singleflight.Group

	mu      sync.Mutex
	current Token
}

// NewManager constructs a Manager. Call Load afterwards to hydrate any
// persisted session.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Refresher == nil {
		return nil, errMissingRefresher
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	skew := cfg.ExpirySkew
	if skew <= 0 {
		skew = defaultExpirySkew
	}

	return &Manager{
		store:     cfg.Store,
		refresher: cfg.Refresher,
		clock:     clock,
		logger:    logger,
		skew:      skew,
	}, nil
}

// Load hydrates the in-memory session from the key-value store. A corrupt
// persisted session is treated as absent.
func (m *Manager) Load(ctx context.Context) error {
	raw, ok, err := m.store.Get(ctx, StorageKey)
	if err != nil {
		return err
	}
	if !ok || raw == "" {
		return nil
	}

	var token Token
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		m.logger.Warn("persisted session is corrupt, treating as absent", zap.Error(err))
		return nil
	}
	m.setCurrent(token)
	return nil
}

// SetSession installs and persists a freshly issued session (login flow).
func (m *Manager) SetSession(ctx context.Context, resp crm.TokenResponse) error {
	token := m.tokenFromResponse(resp)
	if err := m.persist(ctx, token); err != nil {
		return err
	}
	m.setCurrent(token)
	return nil
}

// Valid reports whether the current access token is usable right now.
func (m *Manager) Valid() bool {
	return m.snapshot().Valid(m.clock())
}

// WithValidToken calls fn with a usable access token. If fn reports an
// authentication failure the manager refreshes exactly once and retries fn
// once; a second authentication failure after a successful refresh is
// reclassified as transient so the caller routes it to the retry queue.
func (m *Manager) WithValidToken(ctx context.Context, fn func(ctx context.Context, accessToken string) error) error {
	token := m.snapshot()
	if !token.Valid(m.clock().Add(m.skew)) {
		refreshed, err := m.refresh(ctx)
		if err != nil {
			return err
		}
		token = refreshed
	}

	err := fn(ctx, token.AccessToken)
	if !errors.Is(err, crm.ErrAuthExpired) {
		return err
	}

	refreshed, refreshErr := m.refresh(ctx)
	if refreshErr != nil {
		return refreshErr
	}

	err = fn(ctx, refreshed.AccessToken)
	if errors.Is(err, crm.ErrAuthExpired) {
		return &crm.TransientError{Op: "with_valid_token", Err: fmt.Errorf("authentication failed after refresh: %w", err)}
	}
	return err
}

// refresh performs a single-flight token refresh. A caller that raced a
// concurrent refresh receives the winner's token; a caller arriving after a
// completed refresh observes the already-fresh token without a network call.
func (m *Manager) refresh(ctx context.Context) (Token, error) {
	observedAccess := m.snapshot().AccessToken

	result, err, _ := m.group.Do(refreshFlightKey, func() (interface{}, error) {
		current := m.snapshot()
		if current.AccessToken != observedAccess && current.Valid(m.clock().Add(m.skew)) {
			return current, nil
		}
		if current.RefreshToken == "" {
			return Token{}, ErrNoSession
		}

		resp, err := m.refresher.Refresh(ctx, current.RefreshToken)
		if err != nil {
			return Token{}, err
		}

		token := m.tokenFromResponse(resp)
		if err := m.persist(ctx, token); err != nil {
			return Token{}, err
		}
		m.setCurrent(token)
		m.logger.Info("session refreshed", zap.Int64("expires_at", token.ExpiresAt))
		return token, nil
	})
	if err != nil {
		return Token{}, err
	}
	return result.(Token), nil
}

func (m *Manager) persist(ctx context.Context, token Token) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("session: marshal token: %w", err)
	}
	return m.store.Set(ctx, StorageKey, string(raw))
}

func (m *Manager) snapshot() Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) setCurrent(token Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = token
}

// tokenFromResponse normalizes the backend's token payload. Expiry is taken
// from expires_at, then expires_in, then the JWT exp claim, and finally a
// conservative fallback TTL.
func (m *Manager) tokenFromResponse(resp crm.TokenResponse) Token {
	now := m.clock()
	expiresAt := resp.ExpiresAt
	if expiresAt == 0 && resp.ExpiresIn > 0 {
		expiresAt = now.Add(time.Duration(resp.ExpiresIn) * time.Second).Unix()
	}
	if expiresAt == 0 {
		if fromClaim, err := expiryFromJWT(resp.AccessToken); err == nil {
			expiresAt = fromClaim.Unix()
		} else {
			m.logger.Warn("token response carries no expiry, applying fallback TTL", zap.Error(err))
			expiresAt = now.Add(fallbackTokenTTL).Unix()
		}
	}
	return Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiresAt,
	}
}

// expiryFromJWT recovers the exp claim from an access token without
// validating the signature; the agent is not the token's audience validator.
func expiryFromJWT(tokenString string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse access token: %w", err)
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}, errors.New("access token has no exp claim")
	}
	return expiry.Time, nil
}
