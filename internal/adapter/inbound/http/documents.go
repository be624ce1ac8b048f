package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/document"
	"github.com/Sentinel-Gate/Syncgate/internal/port/inbound"
)

// DocumentService is the inbound port the document routes call.
type DocumentService = inbound.ReplicationService

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", document.ErrBadRequest, fmt.Sprintf(format, args...))
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

func (s *Server) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := s.docs.Read(ctx, auth.IdentityFromContext(ctx), r.PathValue("db"), r.PathValue("id"), r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePutDoc(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var doc document.Doc
	if err := decodeBody(r, &doc); err != nil {
		writeError(w, r, err)
		return
	}
	if doc == nil {
		writeError(w, r, badRequest("document must be a JSON object"))
		return
	}
	if bodyID := doc.ID(); bodyID != "" && bodyID != id {
		writeError(w, r, badRequest("document id %q does not match the URL", bodyID))
		return
	}
	doc[document.FieldID] = id
	if rev := r.URL.Query().Get("rev"); rev != "" && doc.Rev() == "" {
		doc[document.FieldRev] = rev
	}

	res, err := s.docs.Write(ctx, auth.IdentityFromContext(ctx), r.PathValue("db"), doc)
	if err != nil {
		s.auditWriteDenied(r, err)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleDeleteDoc(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rev := r.URL.Query().Get("rev")
	if rev == "" {
		rev = r.Header.Get("If-Match")
	}
	res, err := s.docs.Delete(ctx, auth.IdentityFromContext(ctx), r.PathValue("db"), r.PathValue("id"), rev)
	if err != nil {
		s.auditWriteDenied(r, err)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBulkDocs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req document.BulkDocsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	raw, err := s.docs.BulkDocs(ctx, auth.IdentityFromContext(ctx), r.PathValue("db"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusCreated, raw)
}

func (s *Server) handleBulkGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req document.BulkGetRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.docs.BulkGet(ctx, auth.IdentityFromContext(ctx), r.PathValue("db"), req, r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAllDocs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body map[string]any
	if r.Method == http.MethodPost {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}
	res, err := s.docs.AllDocs(ctx, auth.IdentityFromContext(ctx), r.PathValue("db"), r.URL.Query(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var query map[string]any
	if err := decodeBody(r, &query); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.docs.Find(ctx, auth.IdentityFromContext(ctx), r.PathValue("db"), query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body any
	if r.Method == http.MethodPost {
		var m map[string]any
		if err := decodeBody(r, &m); err != nil {
			writeError(w, r, err)
			return
		}
		body = m
	}
	res, err := s.docs.Changes(ctx, auth.IdentityFromContext(ctx), r.PathValue("db"), r.URL.Query(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleForward relays bookkeeping requests. path builds the backend path
// below the database from the request.
func (s *Server) handleForward(path func(r *http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var body []byte
		if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
			var err error
			if body, err = io.ReadAll(r.Body); err != nil {
				writeError(w, r, badRequest("failed to read body: %v", err))
				return
			}
		}
		res, err := s.docs.Forward(ctx, auth.IdentityFromContext(ctx), r.Method, r.PathValue("db"), path(r), r.URL.Query(), body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeRaw(w, res.Status, res.Body)
	}
}

func databaseRoot(*http.Request) string {
	return ""
}

func localDocPath(r *http.Request) string {
	return "_local/" + url.PathEscape(r.PathValue("id"))
}

func revsDiffPath(*http.Request) string {
	return "_revs_diff"
}
