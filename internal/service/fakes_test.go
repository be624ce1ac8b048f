package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/acl"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/document"
	"github.com/Sentinel-Gate/Syncgate/internal/port/outbound"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type feedReply struct {
	res *document.ChangesResponse
	err error
}

type postCall struct {
	db     string
	path   string
	body   any
	params url.Values
}

// fakeCouch is an in-memory backend implementing the outbound ports.
type fakeCouch struct {
	mu   sync.Mutex
	docs map[string]map[string]document.Doc

	getErr   error
	gets     int
	puts     []document.Doc
	deletes  []string
	posts    []postCall
	forwards []string
	// postFn overrides Post for one test.
	postFn func(path string, body any, params url.Values) (json.RawMessage, error)
	// changesFn serves feed requests; when nil the scripted feed is used.
	changesFn func(params url.Values, body any) (*document.ChangesResponse, error)

	feed    chan feedReply
	polls   chan url.Values
	cleared chan string
}

func newFakeCouch() *fakeCouch {
	return &fakeCouch{
		docs:    make(map[string]map[string]document.Doc),
		feed:    make(chan feedReply),
		polls:   make(chan url.Values, 64),
		cleared: make(chan string, 64),
	}
}

func (f *fakeCouch) seed(db string, docs ...document.Doc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docs[db] == nil {
		f.docs[db] = make(map[string]document.Doc)
	}
	for _, d := range docs {
		f.docs[db][d.ID()] = d.Clone()
	}
}

func (f *fakeCouch) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets + len(f.puts) + len(f.deletes) + len(f.posts) + len(f.forwards)
}

func notFound() error {
	return &outbound.UpstreamError{Status: http.StatusNotFound, Code: "not_found", Reason: "missing"}
}

func (f *fakeCouch) Get(_ context.Context, db, id string, _ url.Values) (document.Doc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	d, ok := f.docs[db][id]
	if !ok || d.Deleted() {
		return nil, notFound()
	}
	return d.Clone(), nil
}

func (f *fakeCouch) Put(_ context.Context, db string, doc document.Doc) (document.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, doc.Clone())
	if f.docs[db] == nil {
		f.docs[db] = make(map[string]document.Doc)
	}
	f.docs[db][doc.ID()] = doc.Clone()
	return document.WriteResult{OK: true, ID: doc.ID(), Rev: "2-new"}, nil
}

func (f *fakeCouch) Post(_ context.Context, db, path string, body any, params url.Values) (json.RawMessage, error) {
	f.mu.Lock()
	f.posts = append(f.posts, postCall{db: db, path: path, body: body, params: params})
	fn := f.postFn
	f.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("unexpected post to %s", path)
	}
	return fn(path, body, params)
}

func (f *fakeCouch) Delete(_ context.Context, db, id, rev string) (document.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, db+"/"+id+"@"+rev)
	delete(f.docs[db], id)
	return document.WriteResult{OK: true, ID: id, Rev: "3-del"}, nil
}

func (f *fakeCouch) Changes(ctx context.Context, _ string, params url.Values, body any) (*document.ChangesResponse, error) {
	f.mu.Lock()
	fn := f.changesFn
	f.mu.Unlock()
	if fn != nil {
		return fn(params, body)
	}

	f.polls <- params
	select {
	case r := <-f.feed:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeCouch) Forward(_ context.Context, method, db, path string, _ url.Values, _ []byte) (*outbound.RawResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, method+" "+db+"/"+path)
	return &outbound.RawResponse{Status: http.StatusOK, Body: json.RawMessage(`{"ok":true}`)}, nil
}

func (f *fakeCouch) ClearLocal(_ context.Context, db string) error {
	f.cleared <- db
	return nil
}

// staticRules serves a fixed rule set.
type staticRules struct {
	set *acl.RuleSet
}

func (s staticRules) Current() *acl.RuleSet {
	return s.set
}

func mustRuleSet(raw string) *acl.RuleSet {
	cfg, rev, err := acl.ParseRuleDocument([]byte(raw))
	if err != nil {
		panic(err)
	}
	set, err := acl.NewRuleSet(cfg, rev, nil)
	if err != nil {
		panic(err)
	}
	return set
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
