package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/acl"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/audit"
	"github.com/Sentinel-Gate/Syncgate/internal/service"
)

// RuleReloader refetches the rule document on demand. *service.RuleStore
// implements it.
type RuleReloader interface {
	Reload(ctx context.Context) error
	Status() service.RuleStatus
}

type reloadResponse struct {
	OK       bool   `json:"ok"`
	Loaded   bool   `json:"loaded"`
	Revision string `json:"revision,omitempty"`
	Roles    int    `json:"roles"`
}

// handleRulesReload forces a rule refresh without waiting for the feed.
// A malformed document leaves the previous snapshot in place.
func (s *Server) handleRulesReload(w http.ResponseWriter, r *http.Request) {
	logger := LoggerFromContext(r.Context())
	if err := s.rules.Reload(r.Context()); err != nil {
		s.audit(r, audit.Record{
			EventType: audit.EventTypeRulesReload,
			Decision:  audit.DecisionDeny,
			Reason:    err.Error(),
		})
		if errors.Is(err, acl.ErrMalformedRules) {
			logger.Warn("rule reload rejected", "error", err)
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_rules", Reason: err.Error()})
			return
		}
		writeError(w, r, err)
		return
	}

	st := s.rules.Status()
	logger.Info("rules reloaded", "revision", st.Revision, "roles", st.Roles)
	s.audit(r, audit.Record{
		EventType: audit.EventTypeRulesReload,
		Decision:  audit.DecisionAllow,
		Reason:    "revision " + st.Revision,
	})
	writeJSON(w, http.StatusOK, reloadResponse{
		OK:       true,
		Loaded:   st.Loaded,
		Revision: st.Revision,
		Roles:    st.Roles,
	})
}
