package document

import (
	"errors"
	"fmt"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/acl"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
)

var (
	// ErrUnauthorized is returned when an anonymous caller is denied.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when an authenticated caller is denied.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is returned when the document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrBadRequest is returned for submissions that cannot be processed.
	ErrBadRequest = errors.New("bad request")
)

// Denied returns the denial error for identity: ErrUnauthorized when the
// caller is anonymous (credentials would help), ErrForbidden otherwise.
func Denied(identity *auth.Identity, action acl.Action, id string) error {
	base := ErrForbidden
	if identity == nil {
		base = ErrUnauthorized
	}
	return fmt.Errorf("%w: %s %q", base, action, id)
}
