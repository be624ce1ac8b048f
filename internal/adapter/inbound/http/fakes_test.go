package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/audit"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/document"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/session"
	"github.com/Sentinel-Gate/Syncgate/internal/port/outbound"
	"github.com/Sentinel-Gate/Syncgate/internal/service"
)

// discardLogger returns a logger that discards all output (for tests)
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// docCall records one DocumentService invocation.
type docCall struct {
	op       string
	identity *auth.Identity
	db       string
	id       string
	rev      string
	params   url.Values
	body     any
}

// fakeDocs is a DocumentService returning canned replies.
type fakeDocs struct {
	mu    sync.Mutex
	calls []docCall

	err     error
	doc     document.Doc
	bulk    json.RawMessage
	forward *outbound.RawResponse
}

func (f *fakeDocs) record(c docCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeDocs) last() docCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return docCall{}
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeDocs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDocs) Read(_ context.Context, identity *auth.Identity, db, id string, params url.Values) (document.Doc, error) {
	if err := f.record(docCall{op: "read", identity: identity, db: db, id: id, params: params}); err != nil {
		return nil, err
	}
	return f.doc, nil
}

func (f *fakeDocs) Write(_ context.Context, identity *auth.Identity, db string, doc document.Doc) (document.WriteResult, error) {
	if err := f.record(docCall{op: "write", identity: identity, db: db, id: doc.ID(), rev: doc.Rev(), body: doc}); err != nil {
		return document.WriteResult{}, err
	}
	return document.WriteResult{OK: true, ID: doc.ID(), Rev: "2-new"}, nil
}

func (f *fakeDocs) Delete(_ context.Context, identity *auth.Identity, db, id, rev string) (document.WriteResult, error) {
	if err := f.record(docCall{op: "delete", identity: identity, db: db, id: id, rev: rev}); err != nil {
		return document.WriteResult{}, err
	}
	return document.WriteResult{OK: true, ID: id, Rev: "3-del"}, nil
}

func (f *fakeDocs) BulkGet(_ context.Context, identity *auth.Identity, db string, req document.BulkGetRequest, params url.Values) (*document.BulkGetResponse, error) {
	if err := f.record(docCall{op: "bulk_get", identity: identity, db: db, params: params, body: req}); err != nil {
		return nil, err
	}
	return &document.BulkGetResponse{Results: []document.BulkGetResult{}}, nil
}

func (f *fakeDocs) BulkDocs(_ context.Context, identity *auth.Identity, db string, req document.BulkDocsRequest) (json.RawMessage, error) {
	if err := f.record(docCall{op: "bulk_docs", identity: identity, db: db, body: req}); err != nil {
		return nil, err
	}
	if f.bulk != nil {
		return f.bulk, nil
	}
	return json.RawMessage(`[]`), nil
}

func (f *fakeDocs) AllDocs(_ context.Context, identity *auth.Identity, db string, params url.Values, body map[string]any) (*document.AllDocsResponse, error) {
	if err := f.record(docCall{op: "all_docs", identity: identity, db: db, params: params, body: body}); err != nil {
		return nil, err
	}
	return &document.AllDocsResponse{Rows: []document.Row{}}, nil
}

func (f *fakeDocs) Find(_ context.Context, identity *auth.Identity, db string, query map[string]any) (*document.FindResponse, error) {
	if err := f.record(docCall{op: "find", identity: identity, db: db, body: query}); err != nil {
		return nil, err
	}
	return &document.FindResponse{Docs: []document.Doc{}}, nil
}

func (f *fakeDocs) Changes(_ context.Context, identity *auth.Identity, db string, params url.Values, body any) (*document.ChangesResponse, error) {
	if err := f.record(docCall{op: "changes", identity: identity, db: db, params: params, body: body}); err != nil {
		return nil, err
	}
	return &document.ChangesResponse{Results: []document.ChangeRow{}, LastSeq: json.RawMessage(`"1-a"`)}, nil
}

func (f *fakeDocs) Forward(_ context.Context, identity *auth.Identity, method, db, path string, params url.Values, body []byte) (*outbound.RawResponse, error) {
	if err := f.record(docCall{op: method + " " + path, identity: identity, db: db, params: params, body: string(body)}); err != nil {
		return nil, err
	}
	if f.forward != nil {
		return f.forward, nil
	}
	return &outbound.RawResponse{Status: 200, Body: json.RawMessage(`{"ok":true}`)}, nil
}

var _ DocumentService = (*fakeDocs)(nil)

// fakeAuthenticator accepts one credential pair and one token.
type fakeAuthenticator struct {
	name     string
	password string
	token    string
	identity *auth.Identity
}

func (a *fakeAuthenticator) Authenticate(_ context.Context, creds auth.Credentials) (auth.Result, error) {
	switch {
	case creds.HasPair:
		if creds.Name == a.name && creds.Password == a.password {
			return auth.Result{Identity: a.identity, Strategy: auth.StrategyCredentialPair}, nil
		}
		return auth.Result{}, fmt.Errorf("%w: %w", auth.ErrUnauthenticated, auth.ErrInvalidCredentials)
	case creds.CookieToken != "" && creds.CookieToken == a.token:
		return auth.Result{Identity: a.identity, Strategy: auth.StrategyCookie}, nil
	case creds.BearerToken != "" && creds.BearerToken == a.token:
		return auth.Result{Identity: a.identity, Strategy: auth.StrategyBearer}, nil
	}
	return auth.Result{}, auth.ErrUnauthenticated
}

// fakeSessions mints predictable tokens and records revocations.
type fakeSessions struct {
	mu      sync.Mutex
	minted  int
	revoked []string
	err     error
}

func (f *fakeSessions) Mint(identity *auth.Identity) (session.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minted++
	return session.Token{
		Raw:       "tok-" + identity.Name,
		ID:        "id-" + identity.Name,
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}, nil
}

func (f *fakeSessions) Revoke(_ context.Context, raw string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.revoked = append(f.revoked, raw)
	return nil
}

func (f *fakeSessions) mintCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.minted
}

// fakeLimiter allows the first n attempts per key.
type fakeLimiter struct {
	mu    sync.Mutex
	n     int
	seen  map[string]int
	keys  []string
	retry time.Duration
}

func (l *fakeLimiter) Allow(_ context.Context, key string, _ ratelimit.Config) (ratelimit.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = make(map[string]int)
	}
	l.keys = append(l.keys, key)
	l.seen[key]++
	if l.seen[key] > l.n {
		return ratelimit.Result{Allowed: false, RetryAfter: l.retry}, nil
	}
	return ratelimit.Result{Allowed: true, Remaining: l.n - l.seen[key]}, nil
}

// fakeRules is a RuleReloader with a scripted reload outcome.
type fakeRules struct {
	mu      sync.Mutex
	err     error
	reloads int
	status  service.RuleStatus
}

func (f *fakeRules) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return f.err
}

func (f *fakeRules) Status() service.RuleStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// fakeAuditor collects audit records and serves them back for GET /_audit.
type fakeAuditor struct {
	mu      sync.Mutex
	records []audit.Record
}

func (f *fakeAuditor) Record(rec audit.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
}

func (f *fakeAuditor) Recent(n int) []audit.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []audit.Record
	for i := len(f.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, f.records[i])
	}
	return out
}

func (f *fakeAuditor) all() []audit.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audit.Record(nil), f.records...)
}
