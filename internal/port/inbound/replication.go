// Package inbound defines the inbound port interfaces for the gateway core.
// Inbound adapters (HTTP) call these interfaces.
package inbound

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/document"
	"github.com/Sentinel-Gate/Syncgate/internal/port/outbound"
)

// ReplicationService applies the caller's permissions to document traffic.
// A nil identity is an anonymous caller and is evaluated against the public
// rules.
type ReplicationService interface {
	// Read returns one document, or a denial error when the caller may not
	// read it.
	Read(ctx context.Context, identity *auth.Identity, db, id string, params url.Values) (document.Doc, error)

	// Write stores a document after checking create or update permission
	// and permitted fields.
	Write(ctx context.Context, identity *auth.Identity, db string, doc document.Doc) (document.WriteResult, error)

	// Delete removes a document after checking delete permission.
	Delete(ctx context.Context, identity *auth.Identity, db, id, rev string) (document.WriteResult, error)

	BulkGet(ctx context.Context, identity *auth.Identity, db string, req document.BulkGetRequest, params url.Values) (*document.BulkGetResponse, error)

	// BulkDocs returns the backend reply merged with per-document denials,
	// in submission order.
	BulkDocs(ctx context.Context, identity *auth.Identity, db string, req document.BulkDocsRequest) (json.RawMessage, error)

	AllDocs(ctx context.Context, identity *auth.Identity, db string, params url.Values, body map[string]any) (*document.AllDocsResponse, error)
	Find(ctx context.Context, identity *auth.Identity, db string, query map[string]any) (*document.FindResponse, error)
	Changes(ctx context.Context, identity *auth.Identity, db string, params url.Values, body any) (*document.ChangesResponse, error)

	// Forward passes replication bookkeeping requests through unchanged.
	Forward(ctx context.Context, identity *auth.Identity, method, db, path string, params url.Values, body []byte) (*outbound.RawResponse, error)
}
