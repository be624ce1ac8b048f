package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Sentinel errors for authentication.
var (
	// ErrNoCredentials is returned by a strategy whose credential is not
	// present on the request. The chain skips such strategies.
	ErrNoCredentials = errors.New("no credentials for strategy")
	// ErrInvalidCredentials is returned when a credential is present but
	// does not verify.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthenticated is returned when no strategy resolved an identity.
	ErrUnauthenticated = errors.New("authentication required")
)

// Strategy names, in chain priority order.
const (
	StrategyCredentialPair = "credential-pair"
	StrategyCookie         = "cookie-token"
	StrategyBearer         = "bearer-token"
)

// Credentials carries every credential a request may present. The HTTP
// adapter extracts them; strategies only ever look at their own field.
type Credentials struct {
	// Name and Password come from an HTTP Basic header or a login form.
	Name     string
	Password string
	// HasPair is true when a credential pair was presented, even an empty one.
	HasPair bool
	// CookieToken is the raw session cookie value.
	CookieToken string
	// BearerToken is the raw token from "Authorization: Bearer".
	BearerToken string
}

// Strategy resolves an identity from one kind of credential.
type Strategy interface {
	// Name identifies the strategy in logs, metrics and Result.
	Name() string
	// Attempt returns the identity, ErrNoCredentials when the strategy's
	// credential is absent, or another error when it fails to verify.
	Attempt(ctx context.Context, creds Credentials) (*Identity, error)
}

// Observer is notified after the chain resolves an identity.
// Implementations must not block.
type Observer interface {
	IdentityResolved(ctx context.Context, identity *Identity, strategy string)
	AuthenticationFailed(ctx context.Context, strategy string, err error)
}

// Result describes a successful authentication.
type Result struct {
	Identity *Identity
	// Strategy is the name of the strategy that succeeded.
	Strategy string
}

// Chain tries strategies in a fixed priority order and stops at the first
// success.
type Chain struct {
	strategies []Strategy
	observer   Observer
	logger     *slog.Logger
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithObserver sets the observer notified of authentication outcomes.
func WithObserver(o Observer) ChainOption {
	return func(c *Chain) {
		c.observer = o
	}
}

// NewChain creates a chain over the given strategies, evaluated in order.
func NewChain(logger *slog.Logger, strategies []Strategy, opts ...ChainOption) *Chain {
	c := &Chain{
		strategies: strategies,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authenticate runs the chain. It returns ErrUnauthenticated (wrapping the
// last strategy failure, if any) when no strategy succeeds.
func (c *Chain) Authenticate(ctx context.Context, creds Credentials) (Result, error) {
	var lastErr error
	for _, s := range c.strategies {
		identity, err := s.Attempt(ctx, creds)
		if err == nil && identity != nil {
			c.logger.Debug("identity resolved", "strategy", s.Name(), "name", identity.Name)
			if c.observer != nil {
				c.observer.IdentityResolved(ctx, identity, s.Name())
			}
			return Result{Identity: identity, Strategy: s.Name()}, nil
		}
		if errors.Is(err, ErrNoCredentials) {
			continue
		}
		if err == nil {
			err = ErrInvalidCredentials
		}
		c.logger.Debug("authentication strategy failed", "strategy", s.Name(), "error", err)
		if c.observer != nil {
			c.observer.AuthenticationFailed(ctx, s.Name(), err)
		}
		lastErr = err
	}
	if lastErr != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnauthenticated, lastErr)
	}
	return Result{}, ErrUnauthenticated
}

// SafeErrorMessage returns a client-safe reason for an authentication error.
func SafeErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "Name or password is incorrect."
	case errors.Is(err, ErrUnauthenticated):
		return "You are not authorized to access this db."
	default:
		return "Authentication failed."
	}
}
