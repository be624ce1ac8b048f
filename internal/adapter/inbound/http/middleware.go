package http

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/Syncgate/internal/ctxkey"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
)

// RequestIDKey is the context key for the request ID.
var RequestIDKey = ctxkey.RequestIDKey{}

// LoggerKey is the context key for the enriched logger.
// Uses shared key type from ctxkey package to allow cross-package access without import cycles.
var LoggerKey = ctxkey.LoggerKey{}

// clientIPKey is the context key for the client address.
type clientIPKey struct{}

// strategyKey is the context key for the strategy that authenticated the
// request.
type strategyKey struct{}

// RequestIDMiddleware extracts or generates a request ID and enriches the logger.
// The request ID is stored in context using RequestIDKey.
// An enriched logger with request_id field is stored using LoggerKey.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enrichedLogger := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, enrichedLogger)

			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RealIPMiddleware stores the client address used for login throttling and
// audit records. Forwarding headers are honoured only when the direct peer
// is one of the trusted proxies; otherwise the peer address is the client.
func RealIPMiddleware(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), clientIPKey{}, clientAddr(r, trusted))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIPFromContext returns the address stored by RealIPMiddleware.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// StrategyFromContext returns the name of the strategy that authenticated
// the request, or "" for anonymous requests.
func StrategyFromContext(ctx context.Context) string {
	name, _ := ctx.Value(strategyKey{}).(string)
	return name
}

// ParseTrustedProxies parses proxy addresses and CIDR ranges. A bare
// address is a single-host range.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func isTrustedProxy(addr netip.Addr, trusted []netip.Prefix) bool {
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientAddr resolves the client address of r.
// Format: X-Forwarded-For: client, proxy1, proxy2
// The list is walked right to left and the first hop that is not a trusted
// proxy wins. Entries left of it were written by the client and are ignored.
func clientAddr(r *http.Request, trusted []netip.Prefix) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	peerAddr, err := netip.ParseAddr(peer)
	if err != nil || !isTrustedProxy(peerAddr, trusted) {
		return peer
	}

	var hops []string
	for _, header := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(header, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	if len(hops) == 0 {
		if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
			return xri.Unmap().String()
		}
		return peer
	}

	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(hops[i])
		if err != nil {
			// A malformed hop ends the chain; the last good hop stands.
			break
		}
		client = hop.Unmap().String()
		if !isTrustedProxy(hop, trusted) {
			break
		}
	}
	return client
}

// credentialsFromRequest collects every credential the request presents.
// Parsing is lenient: a malformed header simply yields no credential.
func credentialsFromRequest(r *http.Request, cookieName string) auth.Credentials {
	var creds auth.Credentials
	header := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(header, "Basic "):
		if name, password, ok := r.BasicAuth(); ok {
			creds.Name, creds.Password, creds.HasPair = name, password, true
		}
	case strings.HasPrefix(header, "Bearer "):
		creds.BearerToken = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if c, err := r.Cookie(cookieName); err == nil {
		creds.CookieToken = c.Value
	}
	return creds
}

// authMode selects how a route treats failed authentication.
type authMode int

const (
	// authOptional routes continue anonymously.
	authOptional authMode = iota
	// authRequired routes answer 401.
	authRequired
)

// authenticate runs the auth chain and stores the identity in the request
// context. Credential-pair and cookie logins get a fresh session cookie.
func (s *Server) authenticate(mode authMode, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := LoggerFromContext(r.Context())
		creds := credentialsFromRequest(r, s.cookieName)

		res, err := s.authenticator.Authenticate(r.Context(), creds)
		if err != nil {
			if mode == authRequired {
				logger.Debug("authentication required", "error", err)
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), nil)))
			return
		}

		if res.Strategy != auth.StrategyBearer {
			s.issueCookie(w, r, res.Identity)
		}
		logger.Debug("request authenticated", "name", res.Identity.Name, "strategy", res.Strategy)
		ctx := auth.WithIdentity(r.Context(), res.Identity)
		ctx = context.WithValue(ctx, strategyKey{}, res.Strategy)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole answers 403 unless the authenticated identity holds role.
func requireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := auth.IdentityFromContext(r.Context())
		if !identity.HasRole(role) {
			writeJSON(w, http.StatusForbidden, errorBody{
				Error:  "forbidden",
				Reason: "You are not a server admin.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// exposedDatabase answers 404 for databases the gateway does not serve.
func (s *Server) exposedDatabase(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.databases[r.PathValue("db")]; !ok {
			writeJSON(w, http.StatusNotFound, errorBody{
				Error:  "not_found",
				Reason: "Database does not exist.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
