// Package session mints and verifies the signed, expiring tokens that carry
// an authenticated identity between requests.
package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
)

// Issuer is written to and required in every token.
const Issuer = "sync-gate"

// Claims is the JWT payload. Subject holds the identity id.
type Claims struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Identity rebuilds the identity encoded in c. The token id becomes the
// identity's session id.
func (c *Claims) Identity() *auth.Identity {
	roles := make([]string, len(c.Roles))
	copy(roles, c.Roles)
	return &auth.Identity{ID: c.Subject, Name: c.Name, Roles: roles, SessionID: c.ID}
}

// Token is a freshly minted, signed token.
type Token struct {
	Raw       string
	ID        string
	ExpiresAt time.Time
}
