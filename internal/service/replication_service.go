package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/acl"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/document"
	"github.com/Sentinel-Gate/Syncgate/internal/port/inbound"
	"github.com/Sentinel-Gate/Syncgate/internal/port/outbound"
	"github.com/Sentinel-Gate/Syncgate/internal/telemetry"
)

// RuleSource provides the current rule snapshot. *RuleStore implements it.
type RuleSource interface {
	Current() *acl.RuleSet
}

// ReplicationOption configures a ReplicationService.
type ReplicationOption func(*ReplicationService)

// WithReplicationMetrics sets the metrics recorder.
func WithReplicationMetrics(m *telemetry.Metrics) ReplicationOption {
	return func(s *ReplicationService) {
		s.metrics = m
	}
}

// ReplicationService applies the caller's policy to every document
// operation. A policy is compiled per request from the current rule
// snapshot and never cached.
type ReplicationService struct {
	backend     outbound.DocumentStore
	passthrough outbound.Passthrough
	rules       RuleSource
	reconciler  *BulkReconciler
	metrics     *telemetry.Metrics
	logger      *slog.Logger
}

// NewReplicationService creates a ReplicationService.
func NewReplicationService(backend outbound.DocumentStore, passthrough outbound.Passthrough, rules RuleSource, logger *slog.Logger, opts ...ReplicationOption) *ReplicationService {
	s := &ReplicationService{
		backend:     backend,
		passthrough: passthrough,
		rules:       rules,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reconciler = NewBulkReconciler(backend, s.metrics, logger)
	return s
}

// Policy compiles the policy for identity (nil for anonymous).
func (s *ReplicationService) Policy(identity *auth.Identity) (*acl.Policy, error) {
	return acl.Compile(s.rules.Current(), identity)
}

func (s *ReplicationService) startSpan(ctx context.Context, name, db string, identity *auth.Identity) (context.Context, trace.Span) {
	user := ""
	if identity != nil {
		user = identity.Name
	}
	return telemetry.Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String("db.name", db),
		attribute.String("enduser.id", user),
	))
}

func recordSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Read returns one document if the caller may read it.
func (s *ReplicationService) Read(ctx context.Context, identity *auth.Identity, db, id string, params url.Values) (_ document.Doc, err error) {
	ctx, span := s.startSpan(ctx, "replication.read", db, identity)
	defer func() { recordSpanError(span, err); span.End() }()

	if params.Has("open_revs") {
		return nil, fmt.Errorf("%w: open_revs is not supported, use _bulk_get", document.ErrBadRequest)
	}
	p, err := s.Policy(identity)
	if err != nil {
		return nil, err
	}
	doc, err := s.backend.Get(ctx, db, id, params)
	if err != nil {
		return nil, err
	}
	if !document.Readable(p, doc) {
		s.metrics.RecordFilter("read", 0, 1)
		return nil, document.Denied(identity, acl.ActionRead, id)
	}
	s.metrics.RecordFilter("read", 1, 0)
	return doc, nil
}

// Write stores doc after checking create, update or delete permission.
// Updates restricted to some fields keep the server's values for every
// other field.
func (s *ReplicationService) Write(ctx context.Context, identity *auth.Identity, db string, doc document.Doc) (_ document.WriteResult, err error) {
	ctx, span := s.startSpan(ctx, "replication.write", db, identity)
	defer func() { recordSpanError(span, err); span.End() }()

	id := doc.ID()
	if id == "" {
		return document.WriteResult{}, fmt.Errorf("%w: document has no _id", document.ErrBadRequest)
	}
	p, err := s.Policy(identity)
	if err != nil {
		return document.WriteResult{}, err
	}

	existing, err := s.backend.Get(ctx, db, id, nil)
	switch {
	case errors.Is(err, document.ErrNotFound):
		existing = nil
	case err != nil:
		return document.WriteResult{}, err
	}

	action := document.Classify(existing, doc)
	toWrite := doc
	switch action {
	case acl.ActionCreate:
		if !p.Can(acl.ActionCreate, doc) {
			return document.WriteResult{}, document.Denied(identity, action, id)
		}
	case acl.ActionDelete:
		if !p.Can(acl.ActionDelete, existing) {
			return document.WriteResult{}, document.Denied(identity, action, id)
		}
	default:
		if !p.Can(acl.ActionUpdate, existing) {
			return document.WriteResult{}, document.Denied(identity, action, id)
		}
		fields := p.PermittedFields(acl.ActionUpdate, existing)
		if !fields.All() {
			s.logger.Debug("restricting update to permitted fields",
				"db", db, "id", id, "fields", fields.Fields())
		}
		toWrite = document.MergePermitted(existing, doc, fields)
	}
	span.SetAttributes(attribute.String("acl.action", string(action)))

	return s.backend.Put(ctx, db, toWrite)
}

// Delete removes revision rev of a document the caller may delete.
func (s *ReplicationService) Delete(ctx context.Context, identity *auth.Identity, db, id, rev string) (_ document.WriteResult, err error) {
	ctx, span := s.startSpan(ctx, "replication.delete", db, identity)
	defer func() { recordSpanError(span, err); span.End() }()

	if rev == "" {
		return document.WriteResult{}, fmt.Errorf("%w: rev is required", document.ErrBadRequest)
	}
	p, err := s.Policy(identity)
	if err != nil {
		return document.WriteResult{}, err
	}
	existing, err := s.backend.Get(ctx, db, id, nil)
	if err != nil {
		return document.WriteResult{}, err
	}
	if !p.Can(acl.ActionDelete, existing) {
		return document.WriteResult{}, document.Denied(identity, acl.ActionDelete, id)
	}
	return s.backend.Delete(ctx, db, id, rev)
}

// BulkGet fetches the requested revisions and drops the unreadable ones.
func (s *ReplicationService) BulkGet(ctx context.Context, identity *auth.Identity, db string, req document.BulkGetRequest, params url.Values) (_ *document.BulkGetResponse, err error) {
	ctx, span := s.startSpan(ctx, "replication.bulk_get", db, identity)
	defer func() { recordSpanError(span, err); span.End() }()

	p, err := s.Policy(identity)
	if err != nil {
		return nil, err
	}
	raw, err := s.backend.Post(ctx, db, "_bulk_get", req, params)
	if err != nil {
		return nil, err
	}
	var res document.BulkGetResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode _bulk_get response: %w", err)
	}

	before := len(res.Results)
	res.Results = document.FilterBulkGet(p, res.Results)
	s.metrics.RecordFilter("bulk_get", len(res.Results), before-len(res.Results))
	return &res, nil
}

// AllDocs lists documents, dropping rows whose document is unreadable.
// body may carry "keys"; nil lists the whole range selected by params.
func (s *ReplicationService) AllDocs(ctx context.Context, identity *auth.Identity, db string, params url.Values, body map[string]any) (_ *document.AllDocsResponse, err error) {
	ctx, span := s.startSpan(ctx, "replication.all_docs", db, identity)
	defer func() { recordSpanError(span, err); span.End() }()

	p, err := s.Policy(identity)
	if err != nil {
		return nil, err
	}
	if body == nil {
		body = map[string]any{}
	}
	raw, err := s.backend.Post(ctx, db, "_all_docs", body, params)
	if err != nil {
		return nil, err
	}
	var res document.AllDocsResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode _all_docs response: %w", err)
	}

	before := len(res.Rows)
	res.Rows = document.FilterRows(p, res.Rows)
	s.metrics.RecordFilter("all_docs", len(res.Rows), before-len(res.Rows))
	return &res, nil
}

// Find runs a Mango query and drops unreadable documents. A "fields"
// projection is applied after filtering so conditions see whole documents.
func (s *ReplicationService) Find(ctx context.Context, identity *auth.Identity, db string, query map[string]any) (_ *document.FindResponse, err error) {
	ctx, span := s.startSpan(ctx, "replication.find", db, identity)
	defer func() { recordSpanError(span, err); span.End() }()

	p, err := s.Policy(identity)
	if err != nil {
		return nil, err
	}

	var fields []string
	forward := make(map[string]any, len(query))
	for k, v := range query {
		if k == "fields" {
			fields, err = stringList(v)
			if err != nil {
				return nil, err
			}
			continue
		}
		forward[k] = v
	}

	raw, err := s.backend.Post(ctx, db, "_find", forward, nil)
	if err != nil {
		return nil, err
	}
	var res document.FindResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode _find response: %w", err)
	}

	before := len(res.Docs)
	res.Docs = document.FilterDocs(p, res.Docs)
	s.metrics.RecordFilter("find", len(res.Docs), before-len(res.Docs))
	if len(fields) > 0 {
		for i, d := range res.Docs {
			res.Docs[i] = project(d, fields)
		}
	}
	return &res, nil
}

// Changes reads the change feed and drops rows whose document the caller
// may not read. Documents are always requested from the backend and
// stripped again unless the caller asked for them.
func (s *ReplicationService) Changes(ctx context.Context, identity *auth.Identity, db string, params url.Values, body any) (_ *document.ChangesResponse, err error) {
	ctx, span := s.startSpan(ctx, "replication.changes", db, identity)
	defer func() { recordSpanError(span, err); span.End() }()

	switch feed := params.Get("feed"); feed {
	case "", "normal", "longpoll":
	default:
		return nil, fmt.Errorf("%w: feed=%s is not supported", document.ErrBadRequest, feed)
	}
	p, err := s.Policy(identity)
	if err != nil {
		return nil, err
	}

	includeDocs := params.Get("include_docs") == "true"
	upstream := url.Values{}
	for k, v := range params {
		upstream[k] = append([]string(nil), v...)
	}
	upstream.Set("include_docs", "true")

	res, err := s.backend.Changes(ctx, db, upstream, body)
	if err != nil {
		return nil, err
	}

	before := len(res.Results)
	res.Results = document.FilterChanges(p, res.Results, includeDocs)
	s.metrics.RecordFilter("changes", len(res.Results), before-len(res.Results))
	return res, nil
}

// Forward relays a replication bookkeeping request that carries no user
// documents.
func (s *ReplicationService) Forward(ctx context.Context, identity *auth.Identity, method, db, path string, params url.Values, body []byte) (_ *outbound.RawResponse, err error) {
	ctx, span := s.startSpan(ctx, "replication.forward", db, identity)
	defer func() { recordSpanError(span, err); span.End() }()
	span.SetAttributes(attribute.String("http.route", path))

	return s.passthrough.Forward(ctx, method, db, path, params, body)
}

func stringList(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: fields must be an array of strings", document.ErrBadRequest)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%w: fields must be an array of strings", document.ErrBadRequest)
		}
		out = append(out, s)
	}
	return out, nil
}

// project keeps only the listed (possibly dotted) fields of d.
func project(d document.Doc, fields []string) document.Doc {
	if d == nil {
		return nil
	}
	out := document.Doc{}
	for _, f := range fields {
		parts := strings.Split(f, ".")
		var src any = map[string]any(d)
		found := true
		for _, part := range parts {
			m, ok := src.(map[string]any)
			if !ok {
				found = false
				break
			}
			if src, ok = m[part]; !ok {
				found = false
				break
			}
		}
		if !found {
			continue
		}
		dst := map[string]any(out)
		for _, part := range parts[:len(parts)-1] {
			next, ok := dst[part].(map[string]any)
			if !ok {
				next = map[string]any{}
				dst[part] = next
			}
			dst = next
		}
		dst[parts[len(parts)-1]] = src
	}
	return out
}

var _ inbound.ReplicationService = (*ReplicationService)(nil)
