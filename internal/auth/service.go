// Package auth implements the optional bearer-token layer in front of the
// management API. It validates HS256 JWTs carrying a scopes claim, exchanges
// an administrative shared secret for a short-lived wildcard token, and
// optionally issues scoped tokens to client credentials kept in a small
// sqlite store. The run manager never sees any of this: scope checks happen
// in middleware before a handler runs.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Scopes guarding the management routes.
const (
	ScopeScriptsRead = "scripts:read"
	ScopeScriptsRun  = "scripts:run"
	ScopeLogsRead    = "logs:read"
	ScopeWildcard    = "*"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingToken       = errors.New("missing bearer token")
	ErrInsufficientScope  = errors.New("insufficient scope")
)

// Config configures the auth service.
type Config struct {
	Enabled     bool          `json:"enabled" mapstructure:"enabled"`
	JWTSecret   string        `json:"jwt_secret" mapstructure:"jwt_secret"`
	AdminSecret string        `json:"admin_secret" mapstructure:"admin_secret"`
	TokenTTL    time.Duration `json:"token_ttl" mapstructure:"token_ttl"`
	StorePath   string        `json:"store_path" mapstructure:"store_path"` // sqlite client-credential store; empty disables it
	Issuer      string        `json:"issuer" mapstructure:"issuer"`
}

// Claims are the JWT claims scriptd issues and accepts.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Token is an issued bearer token.
type Token struct {
	Type      string    `json:"token_type"`
	Value     string    `json:"access_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service issues and verifies tokens.
type Service struct {
	secret      []byte
	adminSecret string
	ttl         time.Duration
	issuer      string
	store       *Store
}

// NewService builds the service; when config names a store path the sqlite
// client-credential store is opened and its schema ensured.
func NewService(cfg Config) (*Service, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		// random secret: fine for a single instance, tokens die with it
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "scriptd"
	}
	s := &Service{secret: secret, adminSecret: cfg.AdminSecret, ttl: ttl, issuer: issuer}
	if cfg.StorePath != "" {
		store, err := OpenStore(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open auth store: %w", err)
		}
		s.store = store
	}
	return s, nil
}

// Close releases the client-credential store, if any.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// Store returns the client-credential store, or nil when not configured.
func (s *Service) Store() *Store { return s.store }

// IssueAdminToken exchanges the administrative shared secret for a
// short-lived wildcard-scope token.
func (s *Service) IssueAdminToken(secret string) (Token, error) {
	if s.adminSecret == "" {
		return Token{}, fmt.Errorf("admin token exchange not enabled: %w", ErrInvalidCredentials)
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.adminSecret)) != 1 {
		return Token{}, ErrInvalidCredentials
	}
	return s.issue("admin", []string{ScopeWildcard})
}

// IssueClientToken authenticates a stored client credential and issues a
// token limited to the client's scopes.
func (s *Service) IssueClientToken(ctx context.Context, clientID, clientSecret string) (Token, error) {
	if s.store == nil {
		return Token{}, fmt.Errorf("client credentials not enabled: %w", ErrInvalidCredentials)
	}
	c, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return Token{}, ErrInvalidCredentials
		}
		return Token{}, err
	}
	if !c.Active {
		return Token{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(clientSecret)); err != nil {
		return Token{}, ErrInvalidCredentials
	}
	return s.issue(c.ClientID, c.Scopes)
}

func (s *Service) issue(subject string, scopes []string) (Token, error) {
	now := time.Now()
	expiresAt := now.Add(s.ttl)
	claims := &Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        newTokenID(),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}

// Verify parses and validates a bearer token string.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}

// HasScope reports whether claims grant the required scope.
func HasScope(claims *Claims, required string) bool {
	for _, sc := range claims.Scopes {
		if sc == ScopeWildcard || sc == required {
			return true
		}
	}
	return false
}

func newTokenID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
