package http

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/audit"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/Syncgate/internal/telemetry"
)

// DefaultShutdownTimeout bounds graceful shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// Authenticator resolves the identity behind a request's credentials.
// *auth.Chain implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, creds auth.Credentials) (auth.Result, error)
}

// Server is the inbound adapter that exposes the permission-aware
// replication endpoints to sync clients.
type Server struct {
	docs          DocumentService
	authenticator Authenticator
	sessions      SessionIssuer

	addr            string
	certFile        string
	keyFile         string
	databases       map[string]struct{}
	cookieName      string
	secureCookie    bool
	loginLimiter    ratelimit.Limiter
	loginLimit      ratelimit.Config
	trustedProxies  []netip.Prefix
	rules           RuleReloader
	auditor         audit.Recorder
	auditRecent     RecentAudit
	healthChecker   *HealthChecker
	metrics         *telemetry.Metrics
	gatherer        prometheus.Gatherer
	shutdownTimeout time.Duration
	logger          *slog.Logger

	server *http.Server
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:5985".
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
// If not set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithLogger sets the logger for the HTTP server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDatabases sets the databases clients may reach. Every other database
// answers 404.
func WithDatabases(names []string) Option {
	return func(s *Server) {
		for _, name := range names {
			s.databases[name] = struct{}{}
		}
	}
}

// WithCookie sets the session cookie name and its Secure flag.
func WithCookie(name string, secure bool) Option {
	return func(s *Server) {
		if name != "" {
			s.cookieName = name
		}
		s.secureCookie = secure
	}
}

// WithLoginLimiter throttles POST /_session per client address.
func WithLoginLimiter(limiter ratelimit.Limiter, cfg ratelimit.Config) Option {
	return func(s *Server) {
		s.loginLimiter = limiter
		s.loginLimit = cfg
	}
}

// WithTrustedProxies lists the reverse proxies whose X-Forwarded-For and
// X-Real-IP headers are believed. Without it the peer address is the client.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(s *Server) {
		s.trustedProxies = prefixes
	}
}

// WithRuleReloader enables POST /_rules/reload.
func WithRuleReloader(r RuleReloader) Option {
	return func(s *Server) {
		s.rules = r
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) {
		s.healthChecker = hc
	}
}

// WithMetrics records request metrics and serves /metrics from gatherer.
func WithMetrics(m *telemetry.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer creates the HTTP adapter.
func NewServer(docs DocumentService, authenticator Authenticator, sessions SessionIssuer, opts ...Option) *Server {
	s := &Server{
		docs:            docs,
		authenticator:   authenticator,
		sessions:        sessions,
		addr:            "127.0.0.1:5985",
		databases:       make(map[string]struct{}),
		cookieName:      DefaultCookieName,
		shutdownTimeout: DefaultShutdownTimeout,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routed handler with its middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	optional := func(h http.HandlerFunc) http.Handler {
		return s.exposedDatabase(s.authenticate(authOptional, h))
	}
	required := func(h http.HandlerFunc) http.Handler {
		return s.exposedDatabase(s.authenticate(authRequired, h))
	}

	// Document traffic: anonymous callers get the public rules.
	s.route(mux, "GET /{db}/{id}", optional(s.handleGetDoc))
	s.route(mux, "PUT /{db}/{id}", optional(s.handlePutDoc))
	s.route(mux, "DELETE /{db}/{id}", optional(s.handleDeleteDoc))
	s.route(mux, "POST /{db}/_bulk_docs", optional(s.handleBulkDocs))
	s.route(mux, "POST /{db}/_bulk_get", optional(s.handleBulkGet))
	s.route(mux, "GET /{db}/_all_docs", optional(s.handleAllDocs))
	s.route(mux, "POST /{db}/_all_docs", optional(s.handleAllDocs))
	s.route(mux, "POST /{db}/_find", optional(s.handleFind))
	s.route(mux, "GET /{db}/_changes", optional(s.handleChanges))
	s.route(mux, "POST /{db}/_changes", optional(s.handleChanges))

	// Replication bookkeeping carries no user documents.
	s.route(mux, "GET /{db}", required(s.handleForward(databaseRoot)))
	s.route(mux, "GET /{db}/{$}", required(s.handleForward(databaseRoot)))
	s.route(mux, "GET /{db}/_local/{id}", required(s.handleForward(localDocPath)))
	s.route(mux, "PUT /{db}/_local/{id}", required(s.handleForward(localDocPath)))
	s.route(mux, "POST /{db}/_revs_diff", required(s.handleForward(revsDiffPath)))

	s.route(mux, "POST /_session", http.HandlerFunc(s.handleLogin))
	s.route(mux, "GET /_session", s.authenticate(authOptional, http.HandlerFunc(s.handleSessionInfo)))
	s.route(mux, "DELETE /_session", http.HandlerFunc(s.handleLogout))

	if s.rules != nil {
		s.route(mux, "POST /_rules/reload",
			s.authenticate(authRequired, requireRole(auth.RoleAdmin, http.HandlerFunc(s.handleRulesReload))))
	}

	if s.auditRecent != nil {
		s.route(mux, "GET /_audit",
			s.authenticate(authRequired, requireRole(auth.RoleAdmin, http.HandlerFunc(s.handleAuditRecent))))
	}

	if s.healthChecker != nil {
		mux.Handle("GET /health", s.healthChecker.Handler())
	} else {
		mux.Handle("GET /health", healthHandler())
	}
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Middleware order (outermost first):
	// 1. RequestID - Extract/generate request ID and enrich logger
	// 2. RealIP - Extract client IP for login throttling
	var handler http.Handler = mux
	handler = RealIPMiddleware(s.trustedProxies)(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	return handler
}

// route registers h under pattern, recording metrics labelled by pattern.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.Handler) {
	mux.Handle(pattern, MetricsMiddleware(s.metrics, pattern)(h))
}

// Start begins accepting HTTP connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.certFile != "" && s.keyFile != "" {
		s.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)

	go func() {
		var err error
		if s.certFile != "" && s.keyFile != "" {
			s.logger.Info("starting HTTPS server", "addr", s.addr)
			err = s.server.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			s.logger.Info("starting HTTP server", "addr", s.addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
