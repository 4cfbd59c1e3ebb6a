package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"privchat/internal/models"
	"privchat/internal/storage"

	"github.com/c-pro/geche"
)

const DefaultTokenExpiry = 24 * time.Hour

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// TokenStore persists issued tokens so they survive a restart.
type TokenStore interface {
	UpsertToken(token storage.DBToken) error
	DeleteToken(hash string) error
	ListTokens() ([]storage.DBToken, error)
}

type liveToken struct {
	userID string
	expiry int64
}

// AuthService issues and validates the bearer tokens of relay users. Tokens
// are never kept in clear text: the cache and the store are keyed by an HMAC
// of the token.
type AuthService struct {
	Config
	store      TokenStore
	liveTokens geche.Geche[string, liveToken]
	now        func() time.Time
}

// NewAuthService restores unexpired tokens from store. store may be nil.
func NewAuthService(ctx context.Context, config Config, store TokenStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	as := &AuthService{
		Config:     config,
		store:      store,
		liveTokens: geche.NewMapTTLCache[string, liveToken](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}

	if store != nil {
		tokens, err := store.ListTokens()
		if err != nil {
			return nil, fmt.Errorf("failed to load tokens: %w", err)
		}
		now := as.now().Unix()
		for _, t := range tokens {
			if t.Expiry <= now {
				_ = store.DeleteToken(t.Hash)
				continue
			}
			as.liveTokens.Set(t.Hash, liveToken{userID: t.UserID, expiry: t.Expiry})
		}
	}

	return as, nil
}

func (as *AuthService) hashToken(token string) string {
	h := hmac.New(sha512.New, as.secretBytes)
	h.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// IssueToken creates a new bearer token for userID and returns it with its
// expiry as a unix timestamp.
func (as *AuthService) IssueToken(userID string) (string, int64, error) {
	if userID == "" {
		return "", 0, errors.New("user id is required")
	}

	token, err := as.generateToken()
	if err != nil {
		return "", 0, err
	}
	hash := as.hashToken(token)
	expiry := as.now().Add(as.TokenExpiry).Unix()

	if as.store != nil {
		if err := as.store.UpsertToken(storage.DBToken{Hash: hash, UserID: userID, Expiry: expiry}); err != nil {
			return "", 0, fmt.Errorf("failed to store token: %w", err)
		}
	}
	as.liveTokens.Set(hash, liveToken{userID: userID, expiry: expiry})

	slog.Info("token issued", "user_id", userID)
	return token, expiry, nil
}

// Revoke invalidates token. Unknown tokens are ignored.
func (as *AuthService) Revoke(token string) error {
	hash := as.hashToken(token)
	if err := as.liveTokens.Del(hash); err != nil && !errors.Is(err, geche.ErrNotFound) {
		return err
	}
	if as.store != nil {
		return as.store.DeleteToken(hash)
	}
	return nil
}

// GetUserID resolves a bearer token. Unknown and expired tokens yield
// models.ErrUnauthenticated.
func (as *AuthService) GetUserID(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("missing token: %w", models.ErrUnauthenticated)
	}
	live, err := as.liveTokens.Get(as.hashToken(token))
	if err != nil {
		return "", fmt.Errorf("unknown token: %w", models.ErrUnauthenticated)
	}
	if live.expiry <= as.now().Unix() {
		return "", fmt.Errorf("expired token: %w", models.ErrUnauthenticated)
	}
	return live.userID, nil
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the token query parameter used by websocket clients that
// cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
