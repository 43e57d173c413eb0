// Package auth supplies backend credentials to the stream layer.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is a bearer credential with an optional expiry; a zero Expiry never
// expires.
type Token struct {
	Value  string
	Expiry time.Time
}

// expiresWithin reports whether the token is gone or about to be.
func (t Token) expiresWithin(lead time.Duration) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return time.Until(t.Expiry) < lead
}

// CredentialSource hands out tokens for stream opens. Invalidate is called
// after an unauthenticated stream failure so the next Token call returns a
// fresh credential.
type CredentialSource interface {
	Token(ctx context.Context) (Token, error)
	Invalidate()
}

// StaticSource serves one fixed token, for API keys and tests.
type StaticSource struct {
	token Token
}

// NewStaticSource wraps a fixed credential.
func NewStaticSource(value string) *StaticSource {
	return &StaticSource{token: Token{Value: value}}
}

// Token implements CredentialSource.
func (s *StaticSource) Token(ctx context.Context) (Token, error) {
	return s.token, nil
}

// Invalidate implements CredentialSource; a static token cannot be renewed.
func (s *StaticSource) Invalidate() {}

// RefreshFunc mints a new bearer token.
type RefreshFunc func(ctx context.Context) (string, error)

// JWTSource caches a JWT minted by refresh and renews it once it comes
// within lead of its "exp" claim. Safe for concurrent use.
type JWTSource struct {
	refresh RefreshFunc
	lead    time.Duration

	mu      sync.Mutex
	current Token
}

// NewJWTSource builds a source that refreshes lead ahead of expiry.
func NewJWTSource(refresh RefreshFunc, lead time.Duration) *JWTSource {
	if lead <= 0 {
		lead = 5 * time.Minute
	}
	return &JWTSource{refresh: refresh, lead: lead}
}

// Token implements CredentialSource.
func (s *JWTSource) Token(ctx context.Context) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.Value != "" && !s.current.expiresWithin(s.lead) {
		return s.current, nil
	}

	value, err := s.refresh(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("refreshing credential: %w", err)
	}
	expiry, err := jwtExpiry(value)
	if err != nil {
		return Token{}, err
	}
	s.current = Token{Value: value, Expiry: expiry}
	return s.current, nil
}

// Invalidate implements CredentialSource.
func (s *JWTSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = Token{}
}

// jwtExpiry reads the "exp" claim without verifying the signature; the
// server is the authority on validity, the client only needs to know when
// to refresh.
func jwtExpiry(value string) (time.Time, error) {
	token, _, err := jwt.NewParser().ParseUnverified(value, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing credential: %w", err)
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading credential expiry: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
