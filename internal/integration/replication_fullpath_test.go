// Package integration exercises the gateway end to end: the HTTP adapter,
// authentication chain, rule store and replication service wired together
// against an in-process fake backend.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	httpadapter "github.com/Sentinel-Gate/Syncgate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/Syncgate/internal/adapter/outbound/couch"
	"github.com/Sentinel-Gate/Syncgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/audit"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/document"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/session"
	"github.com/Sentinel-Gate/Syncgate/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const ruleDoc = `{
	"_id": "rules",
	"_rev": "1-r",
	"default": [
		{"action": "read", "subject": "Note"},
		{"action": "create", "subject": "Note"},
		{"action": "update", "subject": "Note", "conditions": {"owner": "${user.name}"}}
	],
	"public": [
		{"action": "read", "subject": "Note", "conditions": {"public": true}}
	]
}`

// fakeCouch serves the slice of the CouchDB API the gateway uses.
type fakeCouch struct {
	mu   sync.Mutex
	docs map[string]document.Doc
	puts int
}

func newFakeCouch() *fakeCouch {
	return &fakeCouch{docs: map[string]document.Doc{
		"Note:1": {"_id": "Note:1", "_rev": "1-a", "owner": "alice", "title": "mine"},
		"Note:2": {"_id": "Note:2", "_rev": "1-b", "owner": "bob", "public": true},
		"Note:3": {"_id": "Note:3", "_rev": "1-c", "owner": "bob", "title": "private"},
	}}
}

func (f *fakeCouch) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sync_gate/rules", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, ruleDoc)
	})
	mux.HandleFunc("GET /sync_gate/_changes", func(w http.ResponseWriter, r *http.Request) {
		ms, _ := strconv.Atoi(r.URL.Query().Get("timeout"))
		select {
		case <-r.Context().Done():
			return
		case <-time.After(time.Duration(ms) * time.Millisecond):
		}
		_, _ = io.WriteString(w, `{"results":[],"last_seq":"1-s"}`)
	})
	mux.HandleFunc("POST /_session", func(w http.ResponseWriter, r *http.Request) {
		var creds struct{ Name, Password string }
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds.Name != "alice" || creds.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"unauthorized","reason":"Name or password is incorrect."}`)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true,"name":"alice","roles":["editor"]}`)
	})
	mux.HandleFunc("GET /app/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		doc, ok := f.docs[r.PathValue("id")]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"not_found","reason":"missing"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("PUT /app/{id}", func(w http.ResponseWriter, r *http.Request) {
		var doc document.Doc
		_ = json.NewDecoder(r.Body).Decode(&doc)
		id := r.PathValue("id")
		doc["_rev"] = "2-new"
		f.mu.Lock()
		f.docs[id] = doc
		f.puts++
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(document.WriteResult{OK: true, ID: id, Rev: "2-new"})
	})
	return mux
}

func (f *fakeCouch) doc(id string) document.Doc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id]
}

type gateway struct {
	handler  http.Handler
	backend  *fakeCouch
	auditLog *memory.AuditStore
	auditor  *service.AuditService
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	logger := testLogger()
	ctx, cancel := context.WithCancel(context.Background())

	fake := newFakeCouch()
	upstream := httptest.NewServer(fake.handler())

	client, err := couch.NewClient(upstream.URL, couch.WithCredentials("gateway", "pw"), couch.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}

	rules := service.NewRuleStore(client, client, service.RuleStoreConfig{
		Database:     "sync_gate",
		DocID:        "rules",
		AppDatabases: []string{"app"},
		PollTimeout:  50 * time.Millisecond,
		RetryBackoff: 50 * time.Millisecond,
	}, logger)
	rules.Start(ctx)

	sessions, err := session.NewService([]byte(strings.Repeat("k", session.MinSecretLength)), 10*time.Minute,
		session.WithRevocationStore(memory.NewRevocationStore(nil)))
	if err != nil {
		t.Fatal(err)
	}
	chain := auth.NewChain(logger, []auth.Strategy{
		auth.NewCredentialPairStrategy(client, logger),
		auth.NewCookieStrategy(sessions),
		auth.NewBearerStrategy(sessions),
	})

	auditLog := memory.NewAuditStoreWithWriter(&bytes.Buffer{})
	auditor := service.NewAuditService(auditLog, logger, service.WithFlushInterval(10*time.Millisecond))
	auditor.Start(ctx)

	replication := service.NewReplicationService(client, client, rules, logger)
	server := httpadapter.NewServer(replication, chain, sessions,
		httpadapter.WithLogger(logger),
		httpadapter.WithDatabases([]string{"app"}),
		httpadapter.WithRuleReloader(rules),
		httpadapter.WithAuditor(auditor),
		httpadapter.WithAuditRecent(auditLog),
	)

	t.Cleanup(func() {
		cancel()
		rules.Stop()
		auditor.Stop()
		upstream.Close()
	})
	return &gateway{handler: server.Handler(), backend: fake, auditLog: auditLog, auditor: auditor}
}

func (g *gateway) do(method, target, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

func TestReplicationFullPath_AnonymousUsesPublicRules(t *testing.T) {
	g := newGateway(t)

	if rec := g.do("GET", "/app/Note:2", ""); rec.Code != http.StatusOK {
		t.Errorf("public note status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if rec := g.do("GET", "/app/Note:3", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("private note status = %d, want 401", rec.Code)
	}
}

func TestReplicationFullPath_SessionReadAndWrite(t *testing.T) {
	g := newGateway(t)

	login := g.do("POST", "/_session", `{"name":"alice","password":"secret"}`)
	if login.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200 (body %s)", login.Code, login.Body.String())
	}
	var sessionCookie *http.Cookie
	for _, c := range login.Result().Cookies() {
		if c.Name == httpadapter.DefaultCookieName {
			sessionCookie = c
		}
	}
	if sessionCookie == nil {
		t.Fatal("login did not set a session cookie")
	}

	if rec := g.do("GET", "/app/Note:3", "", sessionCookie); rec.Code != http.StatusOK {
		t.Errorf("read status = %d, want 200", rec.Code)
	}

	// Updating someone else's note is refused before the backend sees it.
	rec := g.do("PUT", "/app/Note:3", `{"_rev":"1-c","owner":"bob","title":"hijacked"}`, sessionCookie)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign update status = %d, want 403", rec.Code)
	}
	if got := g.backend.doc("Note:3")["title"]; got != "private" {
		t.Errorf("Note:3 title = %v, want unchanged", got)
	}

	rec = g.do("PUT", "/app/Note:1", `{"_rev":"1-a","owner":"alice","title":"edited"}`, sessionCookie)
	if rec.Code != http.StatusCreated {
		t.Fatalf("own update status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	if got := g.backend.doc("Note:1")["title"]; got != "edited" {
		t.Errorf("Note:1 title = %v, want edited", got)
	}

	g.auditor.Stop()
	var events []string
	for _, r := range g.auditLog.Recent(10) {
		events = append(events, r.EventType)
	}
	want := []string{audit.EventTypeWriteDenied, audit.EventTypeLogin}
	if len(events) != len(want) || events[0] != want[0] || events[1] != want[1] {
		t.Errorf("audit events (newest first) = %v, want %v", events, want)
	}
}

func cookieFrom(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == httpadapter.DefaultCookieName && c.Value != "" {
			return c
		}
	}
	return nil
}

// Cookie renewal keeps the session, so logging out with the latest cookie
// also rejects every cookie issued earlier in that session.
func TestReplicationFullPath_LogoutEndsEarlierCookies(t *testing.T) {
	g := newGateway(t)

	first := cookieFrom(g.do("POST", "/_session", `{"name":"alice","password":"secret"}`))
	if first == nil {
		t.Fatal("login did not set a session cookie")
	}

	read := g.do("GET", "/app/Note:3", "", first)
	if read.Code != http.StatusOK {
		t.Fatalf("read status = %d, want 200", read.Code)
	}
	renewed := cookieFrom(read)
	if renewed == nil {
		t.Fatal("cookie request did not renew the session cookie")
	}

	if rec := g.do("DELETE", "/_session", "", renewed); rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d, want 200", rec.Code)
	}

	for name, c := range map[string]*http.Cookie{"first": first, "renewed": renewed} {
		if rec := g.do("GET", "/app/Note:3", "", c); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s cookie after logout: status = %d, want 401", name, rec.Code)
		}
	}
}

func TestReplicationFullPath_BadLogin(t *testing.T) {
	g := newGateway(t)
	rec := g.do("POST", "/_session", `{"name":"alice","password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == httpadapter.DefaultCookieName {
			t.Error("failed login set a session cookie")
		}
	}
}
