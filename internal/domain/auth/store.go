package auth

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for credential lookups.
var (
	// ErrLoginNotCached is returned when a login cache has no entry for a name.
	ErrLoginNotCached = errors.New("login not cached")
)

// IdentityResolver verifies a credential pair against the backend's own
// session endpoint. This interface is defined in the domain to avoid
// circular imports. Implementations: CouchDB HTTP client.
type IdentityResolver interface {
	// Login returns the identity for a valid name/password pair.
	// Every failure, transport errors included, must be reported as
	// ErrInvalidCredentials so callers never surface backend details.
	Login(ctx context.Context, name, password string) (*Identity, error)
}

// CachedLogin is a previously verified credential pair.
type CachedLogin struct {
	// PasswordHash is an Argon2id PHC hash of the verified password.
	PasswordHash string
	// Identity is the identity the backend returned for the pair.
	Identity *Identity
	// ExpiresAt is when the entry stops being trusted (UTC).
	ExpiresAt time.Time
}

// IsExpired reports whether the entry has expired at the given time.
func (c *CachedLogin) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// LoginCache stores verified credential pairs so repeated Basic-auth
// requests do not cost a backend round-trip each.
// Implementations: in-memory.
type LoginCache interface {
	// Get returns the cached login for name.
	// Returns ErrLoginNotCached if there is no entry.
	Get(ctx context.Context, name string) (*CachedLogin, error)

	// Put stores or replaces the cached login for name.
	Put(ctx context.Context, name string, login *CachedLogin) error

	// Delete removes the cached login for name.
	Delete(ctx context.Context, name string) error
}
