package http

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/audit"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/session"
)

// DefaultCookieName is the session cookie name.
const DefaultCookieName = "SyncGateSession"

// loginRequest is the body of POST /_session (JSON or form encoded).
type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type userContext struct {
	Name  *string  `json:"name"`
	Roles []string `json:"roles"`
}

type sessionInfo struct {
	Authenticated string `json:"authenticated,omitempty"`
}

type sessionResponse struct {
	OK      bool        `json:"ok"`
	UserCtx userContext `json:"userCtx"`
	Info    sessionInfo `json:"info"`
}

// issueCookie mints a token for identity and sets it as the session cookie.
// Failures are logged; the request itself already succeeded.
func (s *Server) issueCookie(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	tok, err := s.sessions.Mint(identity)
	if err != nil {
		LoggerFromContext(r.Context()).Error("failed to mint session token", "error", err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    tok.Raw,
		Path:     "/",
		Expires:  tok.ExpiresAt,
		HttpOnly: true,
		Secure:   s.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// handleLogin authenticates a credential pair and sets the session cookie.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := LoggerFromContext(ctx)

	if s.loginLimiter != nil {
		ip := ClientIPFromContext(ctx)
		res, err := s.loginLimiter.Allow(ctx, ratelimit.FormatKey(ratelimit.KeyTypeIP, ip), s.loginLimit)
		if err != nil {
			logger.Error("login rate limiter failed", "error", err)
		} else if !res.Allowed {
			s.metrics.RecordLoginThrottled()
			logger.Warn("login throttled", "ip", ip, "retry_after", res.RetryAfter)
			s.audit(r, audit.Record{
				EventType: audit.EventTypeLoginThrottled,
				Decision:  audit.DecisionDeny,
				Reason:    "too many login attempts",
			})
			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds()+0.5)))
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error:  "too_many_requests",
				Reason: "Too many login attempts, try again later.",
			})
			return
		}
	}

	req, err := decodeLogin(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.authenticator.Authenticate(ctx, auth.Credentials{
		Name:     req.Name,
		Password: req.Password,
		HasPair:  true,
	})
	if err != nil {
		s.audit(r, audit.Record{
			EventType: audit.EventTypeLoginFailed,
			Identity:  req.Name,
			Decision:  audit.DecisionDeny,
			Reason:    err.Error(),
		})
		writeError(w, r, err)
		return
	}

	s.issueCookie(w, r, res.Identity)
	s.audit(r, audit.Record{
		EventType: audit.EventTypeLogin,
		Identity:  res.Identity.Name,
		Roles:     res.Identity.Roles,
		Strategy:  res.Strategy,
		Decision:  audit.DecisionAllow,
	})
	logger.Info("session created", "name", res.Identity.Name)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"name":  res.Identity.Name,
		"roles": nonNil(res.Identity.Roles),
	})
}

func decodeLogin(r *http.Request) (loginRequest, error) {
	var req loginRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return req, badRequest("invalid form body: %v", err)
		}
		req.Name = r.PostForm.Get("name")
		req.Password = r.PostForm.Get("password")
	default:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, badRequest("invalid JSON body: %v", err)
		}
	}
	if req.Name == "" {
		return req, badRequest("name is required")
	}
	return req, nil
}

// handleSessionInfo reports the identity attached to the request.
func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	resp := sessionResponse{OK: true, UserCtx: userContext{Roles: []string{}}}
	if identity != nil {
		name := identity.Name
		resp.UserCtx = userContext{Name: &name, Roles: nonNil(identity.Roles)}
		resp.Info.Authenticated = StrategyFromContext(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLogout revokes the session token and clears the cookie.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(s.cookieName); err == nil && c.Value != "" {
		if err := s.sessions.Revoke(r.Context(), c.Value); err != nil {
			writeError(w, r, fmt.Errorf("revoke session: %w", err))
			return
		}
	}
	s.clearCookie(w)
	s.audit(r, audit.Record{EventType: audit.EventTypeLogout, Decision: audit.DecisionAllow})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func nonNil(roles []string) []string {
	if roles == nil {
		return []string{}
	}
	return roles
}

// SessionIssuer mints and revokes session tokens. *session.Service
// implements it.
type SessionIssuer interface {
	Mint(identity *auth.Identity) (session.Token, error)
	Revoke(ctx context.Context, raw string) error
}
