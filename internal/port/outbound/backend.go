// Package outbound defines the outbound port interfaces for talking to the
// backing document database.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/document"
)

// DocumentStore is the outbound port for document operations. The gateway
// talks to the backend with its own service credentials; callers enforce
// permissions before and after every call.
type DocumentStore interface {
	// Get fetches one document. A missing document is an *UpstreamError
	// with status 404.
	Get(ctx context.Context, db, id string, params url.Values) (document.Doc, error)

	// Put writes doc under its _id.
	Put(ctx context.Context, db string, doc document.Doc) (document.WriteResult, error)

	// Post sends body to a database endpoint (e.g. "_bulk_get") and returns
	// the raw JSON response.
	Post(ctx context.Context, db, path string, body any, params url.Values) (json.RawMessage, error)

	// Delete removes revision rev of a document.
	Delete(ctx context.Context, db, id, rev string) (document.WriteResult, error)

	// Changes reads the change feed. A non-nil body is sent with POST
	// (doc_ids, selector), otherwise GET is used.
	Changes(ctx context.Context, db string, params url.Values, body any) (*document.ChangesResponse, error)
}

// Passthrough forwards replication bookkeeping requests that carry no
// user documents (database info, checkpoints, revision diffs).
type Passthrough interface {
	Forward(ctx context.Context, method, db, path string, params url.Values, body []byte) (*RawResponse, error)
}

// RawResponse is an unparsed backend reply.
type RawResponse struct {
	Status int
	Body   json.RawMessage
}

// CacheInvalidator forces connected replicators to re-diff a database.
type CacheInvalidator interface {
	// ClearLocal deletes every replication checkpoint (_local document) of db.
	ClearLocal(ctx context.Context, db string) error
}

// UpstreamError is a failed backend call. Status is the backend HTTP status,
// or 0 when the request never got a response.
type UpstreamError struct {
	Status int
	Code   string
	Reason string
	Err    error
}

// Error implements error.
func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("backend unreachable: %v", e.Err)
	}
	if e.Reason != "" {
		return fmt.Sprintf("backend returned %d %s: %s", e.Status, e.Code, e.Reason)
	}
	return fmt.Sprintf("backend returned %d %s", e.Status, e.Code)
}

// Unwrap returns the transport error, if any.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is maps 404 responses onto document.ErrNotFound.
func (e *UpstreamError) Is(target error) bool {
	return target == document.ErrNotFound && e.Status == http.StatusNotFound
}

// StatusOf returns the backend status carried by err, or 0.
func StatusOf(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Status
	}
	return 0
}
