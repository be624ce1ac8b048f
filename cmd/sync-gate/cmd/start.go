package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/Sentinel-Gate/Syncgate/internal/adapter/inbound/http"
	auditfile "github.com/Sentinel-Gate/Syncgate/internal/adapter/outbound/audit"
	celeval "github.com/Sentinel-Gate/Syncgate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/Syncgate/internal/adapter/outbound/couch"
	"github.com/Sentinel-Gate/Syncgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/Syncgate/internal/adapter/outbound/sqlite"
	"github.com/Sentinel-Gate/Syncgate/internal/config"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/audit"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/Syncgate/internal/domain/session"
	"github.com/Sentinel-Gate/Syncgate/internal/service"
	"github.com/Sentinel-Gate/Syncgate/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the SyncGate gateway.

The gateway loads the rule document from the backend, keeps it current
through the backend change feed and serves the replication endpoints of
every configured database.

Examples:
  # Start with config file settings
  sync-gate start

  # Start against a local backend with generated secrets
  sync-gate start --dev

  # Start with a specific config file
  sync-gate --config /path/to/sync-gate.yaml start`,
	RunE: runStart,
}

var devMode bool

// Background maintenance periods.
const (
	revocationPurgeInterval = 5 * time.Minute
	gaugeRefreshInterval    = 30 * time.Second
)

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, generated session secret, insecure cookies)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	// Priority: DevMode=true -> debug, otherwise use configured log_level
	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	if cfg.DevMode {
		logger.Warn("development mode: session tokens do not survive a restart and cookies are not Secure")
	}

	// Write PID file so "sync-gate stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	return run(ctx, cfg, logger)
}

// run builds every component from cfg and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.TracingConfig{
		Enabled:        cfg.Telemetry.Tracing,
		Output:         cfg.Telemetry.Output,
		MetricInterval: config.Duration(cfg.Telemetry.MetricInterval, time.Minute),
		Version:        Version,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(reg)

	clock := quartz.NewReal()

	backend, err := couch.NewClient(cfg.Backend.URL,
		couch.WithTimeout(config.Duration(cfg.Backend.Timeout, couch.DefaultTimeout)),
		couch.WithCredentials(cfg.Backend.Username, cfg.Backend.Password),
		couch.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	// Rule store: load once, then follow the rule document's change feed.
	ruleOpts := []service.RuleStoreOption{
		service.WithRuleStoreClock(clock),
		service.WithRuleStoreMetrics(metrics),
	}
	if cfg.ExpressionsEnabled() {
		evaluator, err := celeval.NewEvaluator()
		if err != nil {
			return fmt.Errorf("failed to create expression evaluator: %w", err)
		}
		ruleOpts = append(ruleOpts, service.WithExprCompiler(evaluator))
	}
	rules := service.NewRuleStore(backend, backend, service.RuleStoreConfig{
		Database:        cfg.Rules.Database,
		DocID:           cfg.Rules.DocID,
		AppDatabases:    cfg.Databases,
		PollTimeout:     config.Duration(cfg.Rules.PollTimeout, service.DefaultPollTimeout),
		RetryBackoff:    config.Duration(cfg.Rules.RetryBackoff, service.DefaultRetryBackoff),
		InvalidateDelay: config.Duration(cfg.Rules.InvalidateDelay, service.DefaultInvalidateDelay),
	}, logger, ruleOpts...)
	rules.Start(ctx)
	defer rules.Stop()

	revocations, closeRevocations, err := openRevocationStore(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}
	defer closeRevocations()

	sessions, err := session.NewService([]byte(cfg.Session.Secret),
		config.Duration(cfg.Session.TTL, 10*time.Minute),
		session.WithClock(clock),
		session.WithRevocationStore(revocations),
	)
	if err != nil {
		return err
	}

	// Authentication chain: credential pair, then cookie, then bearer.
	pairOpts := []auth.CredentialPairOption{auth.WithClock(clock)}
	if ttl := config.Duration(cfg.Auth.LoginCacheTTL, 0); ttl > 0 {
		pairOpts = append(pairOpts, auth.WithLoginCache(memory.NewLoginCache(clock), ttl))
	}
	observer, err := telemetry.NewAuthObserver(metrics, otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create auth observer: %w", err)
	}
	chain := auth.NewChain(logger, []auth.Strategy{
		auth.NewCredentialPairStrategy(backend, logger, pairOpts...),
		auth.NewCookieStrategy(sessions),
		auth.NewBearerStrategy(sessions),
	}, auth.WithObserver(observer))

	limiter := memory.NewRateLimiter(clock)
	limiter.StartCleanup(ctx)
	defer limiter.Stop()

	gaugeCtx, stopGauges := context.WithCancel(ctx)
	gauges := clock.TickerFunc(gaugeCtx, gaugeRefreshInterval, func() error {
		metrics.RateLimitKeys.Set(float64(limiter.Size()))
		return nil
	}, "gauges")
	defer func() {
		stopGauges()
		_ = gauges.Wait()
	}()

	replication := service.NewReplicationService(backend, backend, rules, logger,
		service.WithReplicationMetrics(metrics))

	opts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithDatabases(cfg.Databases),
		http.WithCookie(cfg.Session.CookieName, cfg.SecureCookies()),
		http.WithLoginLimiter(limiter, ratelimit.Config{
			Rate:   cfg.Auth.LoginRate,
			Burst:  cfg.Auth.LoginBurst,
			Period: time.Minute,
		}),
		http.WithRuleReloader(rules),
		http.WithHealthChecker(http.NewHealthChecker(rules, revocations, limiter, Version)),
		http.WithMetrics(metrics, reg),
		http.WithShutdownTimeout(config.Duration(cfg.Server.ShutdownTimeout, http.DefaultShutdownTimeout)),
	}
	if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
		opts = append(opts, http.WithTLS(cfg.Server.TLSCert, cfg.Server.TLSKey))
	}
	if len(cfg.Server.TrustedProxies) > 0 {
		proxies, err := http.ParseTrustedProxies(cfg.Server.TrustedProxies)
		if err != nil {
			return err
		}
		opts = append(opts, http.WithTrustedProxies(proxies))
	}

	auditStore, err := openAuditStore(cfg, clock, logger)
	if err != nil {
		return err
	}
	if auditStore != nil {
		auditor := service.NewAuditService(auditStore, logger)
		auditor.Start(ctx)
		defer func() {
			auditor.Stop()
			if err := auditStore.Close(); err != nil {
				logger.Warn("failed to close audit store", "error", err)
			}
		}()
		opts = append(opts, http.WithAuditor(auditor), http.WithAuditRecent(auditStore))
	}
	server := http.NewServer(replication, chain, sessions, opts...)

	printBanner(Version, cfg.Server.HTTPAddr, cfg.DevMode, cfg.Databases, rules.Status())

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// openRevocationStore returns the SQLite store when session.revocation_db is
// set and the in-memory store otherwise. The returned func releases it.
func openRevocationStore(ctx context.Context, cfg *config.Config, clock quartz.Clock, logger *slog.Logger) (session.RevocationStore, func(), error) {
	if path := cfg.Session.RevocationDB; path != "" {
		store, err := sqlite.OpenRevocationStore(ctx, path, clock, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open revocation database: %w", err)
		}
		purgeCtx, stopPurge := context.WithCancel(ctx)
		purge := clock.TickerFunc(purgeCtx, revocationPurgeInterval, func() error {
			n, err := store.Purge(purgeCtx)
			if err != nil {
				logger.Warn("revocation purge failed", "error", err)
			} else if n > 0 {
				logger.Debug("purged expired revocations", "count", n)
			}
			return nil
		}, "revocation", "purge")
		return store, func() {
			stopPurge()
			_ = purge.Wait()
			if err := store.Close(); err != nil {
				logger.Warn("failed to close revocation database", "error", err)
			}
		}, nil
	}

	store := memory.NewRevocationStore(clock)
	store.StartCleanup(ctx)
	return store, store.Stop, nil
}

// auditStore is an audit sink that also serves GET /_audit.
type auditStore interface {
	audit.Store
	http.RecentAudit
}

// openAuditStore returns the sink named by audit.output, or nil when the
// audit trail is disabled.
func openAuditStore(cfg *config.Config, clock quartz.Clock, logger *slog.Logger) (auditStore, error) {
	switch cfg.Audit.Output {
	case "":
		return nil, nil
	case "stdout":
		return memory.NewAuditStore(), nil
	case "stderr":
		return memory.NewAuditStoreWithWriter(os.Stderr), nil
	}
	store, err := auditfile.NewFileStore(auditfile.FileConfig{
		Dir:           cfg.Audit.Output,
		RetentionDays: cfg.Audit.RetentionDays,
		MaxFileSizeMB: cfg.Audit.MaxFileMB,
	}, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit directory: %w", err)
	}
	return store, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// baseURL renders a listen address as a URL clients can use.
func baseURL(httpAddr string) string {
	if strings.HasPrefix(httpAddr, ":") {
		return "http://localhost" + httpAddr
	}
	return "http://" + httpAddr
}

// printBanner prints a formatted startup banner to stderr.
func printBanner(version, httpAddr string, devMode bool, databases []string, rules service.RuleStatus) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	modeStr := green + "production" + reset
	if devMode {
		modeStr = yellow + "development" + reset + dim + " (generated secret)" + reset
	}

	rulesStr := yellow + "not loaded" + reset + dim + " (every request denied)" + reset
	if rules.Loaded {
		rulesStr = fmt.Sprintf("%s %s(%d roles)%s", rules.Revision, dim, rules.Roles, reset)
	}

	base := baseURL(httpAddr)
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s SyncGate %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	for _, db := range databases {
		fmt.Fprintf(os.Stderr, "  %-14s %s/%s\n", "Database:", base, db)
	}
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Rules:", rulesStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s/health\n", "Health:", base)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "\n")
}
