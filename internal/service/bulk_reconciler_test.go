package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"reflect"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/acl"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/document"
)

// bulkCouch serves _all_docs from the seeded documents and echoes the ids
// forwarded to _bulk_docs.
func bulkCouch(t *testing.T) (*fakeCouch, *[]document.BulkDocsRequest) {
	t.Helper()
	couch := seededCouch()
	var forwarded []document.BulkDocsRequest
	couch.postFn = func(path string, body any, params url.Values) (json.RawMessage, error) {
		switch path {
		case "_all_docs":
			if params.Get("include_docs") != "true" {
				t.Errorf("_all_docs include_docs = %q, want true", params.Get("include_docs"))
			}
			return couch.serveAllDocs("app", body), nil
		case "_bulk_docs":
			req := body.(document.BulkDocsRequest)
			forwarded = append(forwarded, req)
			results := make([]document.WriteResult, 0, len(req.Docs))
			for _, d := range req.Docs {
				results = append(results, document.WriteResult{OK: true, ID: d.ID(), Rev: "2-x"})
			}
			return mustJSON(results), nil
		}
		t.Fatalf("unexpected post to %s", path)
		return nil, nil
	}
	return couch, &forwarded
}

// Two existing documents, update allowed on one entity type only: the
// response only lists the permitted document.
func TestBulkDocs_TwoDocumentScenario(t *testing.T) {
	rules := mustRuleSet(`{"_id":"rules","_rev":"1-a","user_app":[{"action":"update","subject":"Note"}]}`)
	couch, forwarded := bulkCouch(t)
	svc := newTestReplication(couch, staticRules{set: rules})

	raw, err := svc.BulkDocs(context.Background(), alice, "app", document.BulkDocsRequest{Docs: []document.Doc{
		{"_id": "Note:1", "_rev": "1-n1", "title": "a"},
		{"_id": "Child:1", "_rev": "1-c1", "name": "b"},
	}})
	if err != nil {
		t.Fatalf("BulkDocs() error = %v", err)
	}
	var results []document.WriteResult
	if err := json.Unmarshal(raw, &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != "Note:1" {
		t.Errorf("BulkDocs() results = %+v, want only Note:1", results)
	}
	if len(*forwarded) != 1 || len((*forwarded)[0].Docs) != 1 {
		t.Fatalf("forwarded = %+v", *forwarded)
	}
}

func TestBulkDocs_PreservesNewEdits(t *testing.T) {
	couch, forwarded := bulkCouch(t)
	svc := newTestReplication(couch, staticRules{})

	newEdits := false
	_, err := svc.BulkDocs(context.Background(), alice, "app", document.BulkDocsRequest{
		Docs:     []document.Doc{{"_id": "Note:1", "_rev": "2-abc", "_revisions": map[string]any{"start": 2}}},
		NewEdits: &newEdits,
	})
	if err != nil {
		t.Fatalf("BulkDocs() error = %v", err)
	}
	if got := (*forwarded)[0].NewEdits; got == nil || *got {
		t.Errorf("forwarded new_edits = %v, want false", got)
	}
}

func TestBulkDocs_AllDeniedSkipsWrite(t *testing.T) {
	couch, forwarded := bulkCouch(t)
	svc := newTestReplication(couch, staticRules{set: mustRuleSet(replicationRules)})

	raw, err := svc.BulkDocs(context.Background(), alice, "app", document.BulkDocsRequest{Docs: []document.Doc{
		{"_id": "Child:1", "_rev": "1-c1"},
		{"title": "no id"},
	}})
	if err != nil {
		t.Fatalf("BulkDocs() error = %v", err)
	}
	if string(raw) != "[]" {
		t.Errorf("BulkDocs() = %s, want []", raw)
	}
	if len(*forwarded) != 0 {
		t.Errorf("nothing should be forwarded, got %+v", *forwarded)
	}
}

func TestReconcile_Classification(t *testing.T) {
	couch, _ := bulkCouch(t)
	set := mustRuleSet(replicationRules)
	p, err := acl.Compile(set, alice)
	if err != nil {
		t.Fatal(err)
	}
	r := NewBulkReconciler(couch, nil, discardLogger())

	kept, err := r.Reconcile(context.Background(), "app", []document.Doc{
		{"_id": "Note:new", "owner": "alice"},              // create allowed
		{"_id": "Child:new"},                               // create denied
		{"_id": "Note:1", "_rev": "1-n1", "title": "x"},    // update own
		{"_id": "Note:3", "_rev": "1-n3", "title": "x"},    // update foreign
		{"_id": "Note:1", "_rev": "1-n1", "_deleted": true}, // delete own
		{"_id": "Note:3", "_rev": "1-n3", "_deleted": true}, // delete foreign
		{"title": "no id"},
	}, p)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	var got []string
	for _, d := range kept {
		got = append(got, d.ID())
	}
	want := []string{"Note:new", "Note:1", "Note:1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Reconcile() kept = %v, want %v", got, want)
	}
	if len(couch.posts) != 1 {
		t.Errorf("backend posts = %d, want a single _all_docs", len(couch.posts))
	}
}

// Submissions that differ only in a condition-relevant field classify the
// same way: update and delete are judged on the server copy.
func TestReconcile_IgnoresSubmittedConditionFields(t *testing.T) {
	set := mustRuleSet(replicationRules)
	p, err := acl.Compile(set, alice)
	if err != nil {
		t.Fatal(err)
	}

	owners := []any{"alice", "bob", nil, 42}
	for _, id := range []string{"Note:1", "Note:3"} {
		var outcomes []bool
		for _, owner := range owners {
			for _, deleted := range []bool{false, true} {
				couch, _ := bulkCouch(t)
				r := NewBulkReconciler(couch, nil, discardLogger())
				doc := document.Doc{"_id": id, "_rev": "1-x", "owner": owner}
				if deleted {
					doc["_deleted"] = true
				}
				kept, err := r.Reconcile(context.Background(), "app", []document.Doc{doc}, p)
				if err != nil {
					t.Fatal(err)
				}
				outcomes = append(outcomes, len(kept) == 1)
			}
		}
		for i := range outcomes {
			if outcomes[i] != outcomes[0] {
				t.Errorf("%s: outcome depends on the submitted owner: %v", id, outcomes)
				break
			}
		}
		if want := id == "Note:1"; outcomes[0] != want {
			t.Errorf("%s: allowed = %v, want %v", id, outcomes[0], want)
		}
	}
}

// A failed backend call marks the bulk span as errored.
func TestBulkDocs_RecordsSpanError(t *testing.T) {
	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	}()

	couch := seededCouch()
	couch.postFn = func(string, any, url.Values) (json.RawMessage, error) {
		return nil, errors.New("backend unavailable")
	}
	rules := mustRuleSet(`{"_id":"rules","_rev":"1-a","user_app":[{"action":"update","subject":"Note"}]}`)
	svc := newTestReplication(couch, staticRules{set: rules})

	_, err := svc.BulkDocs(context.Background(), alice, "app", document.BulkDocsRequest{
		Docs: []document.Doc{{"_id": "Note:1", "_rev": "1-n1"}},
	})
	if err == nil {
		t.Fatal("BulkDocs() should fail when the backend fails")
	}

	ended := spans.GetSpans()
	if len(ended) != 1 || ended[0].Name != "replication.bulk_docs" {
		t.Fatalf("spans = %+v, want one replication.bulk_docs span", ended)
	}
	if ended[0].Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", ended[0].Status.Code)
	}
	if len(ended[0].Events) == 0 {
		t.Error("span should carry the recorded error event")
	}
}
