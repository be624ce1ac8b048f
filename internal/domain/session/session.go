package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
)

// DefaultTTL is the default token lifetime.
const DefaultTTL = 24 * time.Hour

// MinSecretLength is the minimum HMAC secret length in bytes.
const MinSecretLength = 32

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for iat/exp and verification.
func WithClock(clock quartz.Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithRevocationStore enables logout revocation checks.
func WithRevocationStore(store RevocationStore) Option {
	return func(s *Service) {
		s.revoked = store
	}
}

// Service mints and verifies HS256 session tokens.
type Service struct {
	secret  []byte
	ttl     time.Duration
	clock   quartz.Clock
	revoked RevocationStore
}

// NewService creates a Service. The secret must be at least MinSecretLength
// bytes; a zero ttl selects DefaultTTL.
func NewService(secret []byte, ttl time.Duration, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes", MinSecretLength)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Service{
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
		clock:  quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the token lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Mint signs a new token for identity. Expiry is absolute: now + ttl.
// An identity carrying a SessionID is renewing an existing session and keeps
// that id; any other identity starts a new session.
func (s *Service) Mint(identity *auth.Identity) (Token, error) {
	if identity == nil || identity.Name == "" {
		return Token{}, errors.New("cannot mint a token for an anonymous identity")
	}

	now := s.clock.Now()
	exp := now.Add(s.ttl)
	jti := identity.SessionID
	if jti == "" {
		jti = uuid.NewString()
	}
	claims := Claims{
		Name:  identity.Name,
		Roles: append([]string{}, identity.Roles...),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   identity.ID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return Token{Raw: raw, ID: jti, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Parse verifies raw and returns its claims. Revocation is checked when a
// store is configured.
func (s *Service) Parse(ctx context.Context, raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidToken)
	}

	if s.revoked != nil && claims.ID != "" {
		revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check token revocation: %w", err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}

// VerifyToken implements auth.TokenVerifier.
func (s *Service) VerifyToken(ctx context.Context, raw string) (*auth.Identity, error) {
	claims, err := s.Parse(ctx, raw)
	if err != nil {
		return nil, err
	}
	return claims.Identity(), nil
}

// Revoke ends the session raw belongs to. Every token of the session shares
// its id and was minted no later than now, so the revocation is kept until
// now + ttl, when the last of them expires. Tokens that no longer verify need
// no revocation and are ignored.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	if s.revoked == nil {
		return nil
	}
	claims, err := s.Parse(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenRevoked) {
			return nil
		}
		return err
	}
	return s.revoked.Revoke(ctx, claims.ID, s.clock.Now().Add(s.ttl))
}
