package couch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
)

// userIDPrefix is the id prefix of CouchDB user documents.
const userIDPrefix = "org.couchdb.user:"

// Login implements auth.IdentityResolver by opening a session on the
// backend with the user's own credentials. The backend session itself is
// discarded; the gateway issues its own token.
func (c *Client) Login(ctx context.Context, name, password string) (*auth.Identity, error) {
	var res struct {
		OK    bool     `json:"ok"`
		Name  string   `json:"name"`
		Roles []string `json:"roles"`
	}
	err := c.do(ctx, request{
		method:    http.MethodPost,
		path:      "_session",
		body:      map[string]string{"name": name, "password": password},
		anonymous: true,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", auth.ErrInvalidCredentials, err)
	}
	if !res.OK || res.Name == "" {
		return nil, auth.ErrInvalidCredentials
	}
	return &auth.Identity{
		ID:    userIDPrefix + res.Name,
		Name:  res.Name,
		Roles: res.Roles,
	}, nil
}

// Compile-time interface verification.
var _ auth.IdentityResolver = (*Client)(nil)
