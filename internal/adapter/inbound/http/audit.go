package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/audit"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/document"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 1000
)

// RecentAudit exposes the newest audit records for GET /_audit.
// The memory and file audit stores implement it.
type RecentAudit interface {
	Recent(n int) []audit.Record
}

// WithAuditor records access events (logins, logouts, denied writes and
// rule reloads) to rec.
func WithAuditor(rec audit.Recorder) Option {
	return func(s *Server) {
		s.auditor = rec
	}
}

// WithAuditRecent enables the admin-only GET /_audit endpoint.
func WithAuditRecent(src RecentAudit) Option {
	return func(s *Server) {
		s.auditRecent = src
	}
}

// audit fills the request-scoped fields of rec and hands it to the auditor.
func (s *Server) audit(r *http.Request, rec audit.Record) {
	if s.auditor == nil {
		return
	}
	ctx := r.Context()
	rec.Timestamp = time.Now().UTC()
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		rec.RequestID = id
	}
	rec.SourceIP = ClientIPFromContext(ctx)
	if identity := auth.IdentityFromContext(ctx); identity != nil && rec.Identity == "" {
		rec.Identity = identity.Name
		rec.Roles = identity.Roles
	}
	if rec.Strategy == "" {
		rec.Strategy = StrategyFromContext(ctx)
	}
	s.auditor.Record(rec)
}

// auditWriteDenied records a single-document write refused by the rules.
func (s *Server) auditWriteDenied(r *http.Request, err error) {
	if !errors.Is(err, document.ErrForbidden) && !errors.Is(err, document.ErrUnauthorized) {
		return
	}
	s.audit(r, audit.Record{
		EventType: audit.EventTypeWriteDenied,
		Method:    r.Method,
		Database:  r.PathValue("db"),
		DocID:     r.PathValue("id"),
		Decision:  audit.DecisionDeny,
		Reason:    err.Error(),
	})
}

// handleAuditRecent lists the newest audit records, newest first.
func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		limit = min(n, maxAuditLimit)
	}
	records := s.auditRecent.Recent(limit)
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_rows": len(records),
		"records":    records,
	})
}
