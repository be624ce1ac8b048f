// Package auth contains the domain types and logic for authentication.
package auth

import (
	"context"
	"slices"
)

// RoleAdmin is the backend's server-admin role. Only identities carrying it
// may trigger administrative gateway operations such as a rules reload.
const RoleAdmin = "_admin"

// Identity represents an authenticated user of the backing database.
// Anonymous requests carry no Identity at all (a nil *Identity), never a
// zero value.
type Identity struct {
	// ID is the unique identifier for this identity. For backend users it
	// equals the user name.
	ID string
	// Name is the backend user name.
	Name string
	// Roles are the backend roles, in the order the backend reported them.
	// Order matters: policy compilation appends role rule lists in this order.
	Roles []string
	// SessionID is the id of the session token that authenticated this
	// identity, empty for other credentials. Renewed tokens keep it, so
	// revoking it ends the whole session.
	SessionID string
}

// HasRole returns true if the identity has the specified role.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	return slices.Contains(i.Roles, role)
}

// Clone returns a deep copy of the identity.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	return &Identity{
		ID:        i.ID,
		Name:      i.Name,
		Roles:     slices.Clone(i.Roles),
		SessionID: i.SessionID,
	}
}

// Properties returns the identity as the `user` object exposed to rule
// variables (${user.name}) and rule expressions.
func (i *Identity) Properties() map[string]any {
	if i == nil {
		return nil
	}
	roles := make([]any, len(i.Roles))
	for n, r := range i.Roles {
		roles[n] = r
	}
	return map[string]any{
		"id":    i.ID,
		"name":  i.Name,
		"roles": roles,
	}
}

// identityContextKey is the context key type for the resolved identity.
type identityContextKey struct{}

// WithIdentity returns a context carrying the identity. A nil identity
// produces a context that explicitly carries no identity, shadowing any
// identity stored by an outer context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext returns the identity stored in ctx, or nil for
// anonymous requests.
func IdentityFromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(identityContextKey{}).(*Identity)
	return identity
}
