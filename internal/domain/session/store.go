package session

import (
	"context"
	"errors"
	"time"
)

// RevocationStore remembers revoked token ids until the tokens would have
// expired anyway.
// This interface is defined in the domain to avoid circular imports.
// Implementations: in-memory (default), SQLite (session.revocation_db).
type RevocationStore interface {
	// Revoke marks jti as revoked until expiresAt.
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error

	// IsRevoked reports whether jti has been revoked.
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

var (
	// ErrInvalidToken is returned for tokens that fail parsing, signature,
	// algorithm, issuer or expiry checks.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrTokenRevoked is returned for tokens revoked by logout.
	ErrTokenRevoked = errors.New("session token revoked")
)
