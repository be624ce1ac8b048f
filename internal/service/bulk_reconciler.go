package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/acl"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/document"
	"github.com/Sentinel-Gate/Syncgate/internal/port/outbound"
	"github.com/Sentinel-Gate/Syncgate/internal/telemetry"
)

// BulkReconciler decides which documents of a bulk write the caller may
// apply. Permissions for updates and deletes are checked against the
// server's copy, so fields a client rewrites in its submission cannot be
// used to satisfy a condition.
type BulkReconciler struct {
	backend outbound.DocumentStore
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewBulkReconciler creates a reconciler.
func NewBulkReconciler(backend outbound.DocumentStore, metrics *telemetry.Metrics, logger *slog.Logger) *BulkReconciler {
	return &BulkReconciler{backend: backend, metrics: metrics, logger: logger}
}

// Reconcile returns the subset of docs the policy allows. Denied entries
// and entries without an _id are dropped silently.
func (r *BulkReconciler) Reconcile(ctx context.Context, db string, docs []document.Doc, p document.Authorizer) ([]document.Doc, error) {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if id := d.ID(); id != "" {
			ids = append(ids, id)
		}
	}

	existing, err := r.fetchExisting(ctx, db, ids)
	if err != nil {
		return nil, err
	}

	kept := make([]document.Doc, 0, len(docs))
	for _, d := range docs {
		id := d.ID()
		if id == "" {
			continue
		}
		server := existing[id]
		var allowed bool
		switch action := document.Classify(server, d); action {
		case acl.ActionCreate:
			allowed = p.Can(acl.ActionCreate, d)
		default:
			allowed = p.Can(action, server)
		}
		if !allowed {
			r.logger.Debug("dropping unauthorized bulk write", "db", db, "id", id)
			continue
		}
		kept = append(kept, d)
	}
	r.metrics.RecordFilter("bulk_docs", len(kept), len(docs)-len(kept))
	return kept, nil
}

// fetchExisting loads the live server documents for ids with one
// _all_docs request. Missing and deleted documents are absent from the map.
func (r *BulkReconciler) fetchExisting(ctx context.Context, db string, ids []string) (map[string]document.Doc, error) {
	out := make(map[string]document.Doc, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	raw, err := r.backend.Post(ctx, db, "_all_docs",
		map[string]any{"keys": ids},
		url.Values{"include_docs": {"true"}})
	if err != nil {
		return nil, fmt.Errorf("fetch existing documents: %w", err)
	}
	var res document.AllDocsResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode existing documents: %w", err)
	}
	for _, row := range res.Rows {
		if row.Doc == nil || row.Doc.Deleted() {
			continue
		}
		out[row.Doc.ID()] = row.Doc
	}
	return out, nil
}

// BulkDocs reconciles req for identity and forwards the permitted documents.
// The backend response is returned unchanged; dropped documents do not
// appear in it.
func (s *ReplicationService) BulkDocs(ctx context.Context, identity *auth.Identity, db string, req document.BulkDocsRequest) (_ json.RawMessage, err error) {
	ctx, span := s.startSpan(ctx, "replication.bulk_docs", db, identity)
	defer func() { recordSpanError(span, err); span.End() }()

	p, err := s.Policy(identity)
	if err != nil {
		return nil, err
	}
	kept, err := s.reconciler.Reconcile(ctx, db, req.Docs, p)
	if err != nil {
		return nil, err
	}
	if len(kept) == 0 {
		return json.RawMessage("[]"), nil
	}
	return s.backend.Post(ctx, db, "_bulk_docs",
		document.BulkDocsRequest{Docs: kept, NewEdits: req.NewEdits}, nil)
}
