package auth

import (
	"context"
	"fmt"
)

// TokenVerifier checks a signed session token and reconstructs the identity
// it was minted for. Implemented by session.Service.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, raw string) (*Identity, error)
}

// CookieStrategy authenticates the session cookie minted after a login.
type CookieStrategy struct {
	verifier TokenVerifier
}

// NewCookieStrategy creates the cookie-token strategy.
func NewCookieStrategy(verifier TokenVerifier) *CookieStrategy {
	return &CookieStrategy{verifier: verifier}
}

// Name implements Strategy.
func (s *CookieStrategy) Name() string { return StrategyCookie }

// Attempt implements Strategy.
func (s *CookieStrategy) Attempt(ctx context.Context, creds Credentials) (*Identity, error) {
	return verify(ctx, s.verifier, creds.CookieToken)
}

// BearerStrategy authenticates a token sent as "Authorization: Bearer".
type BearerStrategy struct {
	verifier TokenVerifier
}

// NewBearerStrategy creates the bearer-token strategy.
func NewBearerStrategy(verifier TokenVerifier) *BearerStrategy {
	return &BearerStrategy{verifier: verifier}
}

// Name implements Strategy.
func (s *BearerStrategy) Name() string { return StrategyBearer }

// Attempt implements Strategy.
func (s *BearerStrategy) Attempt(ctx context.Context, creds Credentials) (*Identity, error) {
	return verify(ctx, s.verifier, creds.BearerToken)
}

func verify(ctx context.Context, verifier TokenVerifier, raw string) (*Identity, error) {
	if raw == "" {
		return nil, ErrNoCredentials
	}
	identity, err := verifier.VerifyToken(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	return identity, nil
}

// Compile-time interface verification.
var (
	_ Strategy = (*CookieStrategy)(nil)
	_ Strategy = (*BearerStrategy)(nil)
)
