// Package config provides configuration types for SyncGate.
//
// Configuration is file based (sync-gate.yaml) with environment overrides
// (SYNC_GATE_*). The gateway needs a backend URL, service credentials, the
// list of exposed databases and a session secret; everything else has
// defaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Config is the top-level configuration for SyncGate.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Backend configures the CouchDB-compatible database behind the gateway.
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`

	// Databases lists the application databases exposed to clients.
	// Requests for any other database answer 404.
	Databases []string `yaml:"databases" mapstructure:"databases" validate:"required,min=1,dive,required"`

	// Rules locates the rule document and tunes its change feed.
	Rules RulesConfig `yaml:"rules" mapstructure:"rules"`

	// Session configures cookie and bearer tokens.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// Auth tunes credential-pair authentication.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// Audit configures the access audit trail.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// DevMode enables development features (debug logging, generated
	// session secret, insecure cookies).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:5985", "0.0.0.0:5985").
	// Defaults to "127.0.0.1:5985" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// ShutdownTimeout bounds graceful shutdown (e.g., "10s").
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`

	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `yaml:"tls_cert" mapstructure:"tls_cert" validate:"required_with=TLSKey"`
	TLSKey  string `yaml:"tls_key" mapstructure:"tls_key" validate:"required_with=TLSCert"`

	// TrustedProxies lists reverse proxy addresses or CIDR ranges whose
	// X-Forwarded-For header is believed when resolving the client address.
	// Empty means the TCP peer is always the client.
	TrustedProxies []string `yaml:"trusted_proxies" mapstructure:"trusted_proxies" validate:"omitempty,dive,cidr|ip"`
}

// BackendConfig configures the database connection.
type BackendConfig struct {
	// URL is the database server base URL (e.g., "http://localhost:5984").
	URL string `yaml:"url" mapstructure:"url" validate:"required,url"`

	// Username and Password are the service credentials the gateway uses.
	// They need read/write access to every exposed database and the rule
	// database.
	Username string `yaml:"username" mapstructure:"username" validate:"required_with=Password"`
	Password string `yaml:"password" mapstructure:"password"`

	// Timeout bounds ordinary backend requests (e.g., "30s"). Long-polls
	// extend it by their own timeout.
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`
}

// RulesConfig locates the rule document.
type RulesConfig struct {
	// Database holds the rule document. It must not be an exposed database.
	// Defaults to "sync_gate".
	Database string `yaml:"database" mapstructure:"database"`

	// DocID is the rule document id. Defaults to "rules".
	DocID string `yaml:"doc_id" mapstructure:"doc_id"`

	// PollTimeout is the change feed long-poll timeout. Defaults to "60s".
	PollTimeout string `yaml:"poll_timeout" mapstructure:"poll_timeout" validate:"omitempty,duration"`

	// RetryBackoff is the pause after a failed poll. Defaults to "5s".
	RetryBackoff string `yaml:"retry_backoff" mapstructure:"retry_backoff" validate:"omitempty,duration"`

	// InvalidateDelay debounces checkpoint invalidation after a rule
	// content change. Defaults to "2s".
	InvalidateDelay string `yaml:"invalidate_delay" mapstructure:"invalidate_delay" validate:"omitempty,duration"`

	// Expressions enables CEL `when` conditions on rules. Defaults to true.
	Expressions *bool `yaml:"expressions" mapstructure:"expressions"`
}

// SessionConfig configures session tokens.
type SessionConfig struct {
	// Secret signs session tokens (HS256). At least 32 characters.
	// Generated per process in dev mode when empty.
	Secret string `yaml:"secret" mapstructure:"secret" validate:"required,min=32"`

	// TTL is the token lifetime (e.g., "10m"). Defaults to "10m".
	TTL string `yaml:"ttl" mapstructure:"ttl" validate:"omitempty,duration"`

	// CookieName defaults to "SyncGateSession".
	CookieName string `yaml:"cookie_name" mapstructure:"cookie_name"`

	// SecureCookie sets the cookie Secure flag. Defaults to true outside
	// dev mode.
	SecureCookie *bool `yaml:"secure_cookie" mapstructure:"secure_cookie"`

	// RevocationDB is a SQLite file persisting revoked token ids. When
	// empty, revocations are kept in memory and lost on restart.
	RevocationDB string `yaml:"revocation_db" mapstructure:"revocation_db"`
}

// AuthConfig tunes credential-pair authentication.
type AuthConfig struct {
	// LoginCacheTTL caches a verified credential pair to skip the backend
	// round-trip. "0s" disables the cache. Defaults to "1m".
	LoginCacheTTL string `yaml:"login_cache_ttl" mapstructure:"login_cache_ttl" validate:"omitempty,duration"`

	// LoginRate is the sustained number of POST /_session attempts allowed
	// per client address per minute. Defaults to 10.
	LoginRate int `yaml:"login_rate" mapstructure:"login_rate" validate:"omitempty,min=1"`

	// LoginBurst is the number of back-to-back attempts allowed.
	// Defaults to 5.
	LoginBurst int `yaml:"login_burst" mapstructure:"login_burst" validate:"omitempty,min=1"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	// Tracing enables span and OpenTelemetry metric export.
	Tracing bool `yaml:"tracing" mapstructure:"tracing"`

	// Output is "stdout", "stderr" or a file path. Defaults to "stdout".
	Output string `yaml:"output" mapstructure:"output"`

	// MetricInterval is the OpenTelemetry metric export period.
	// Defaults to "1m".
	MetricInterval string `yaml:"metric_interval" mapstructure:"metric_interval" validate:"omitempty,duration"`
}

// AuditConfig configures the access audit trail.
type AuditConfig struct {
	// Output is "stdout", "stderr" or a directory for rotated JSON Lines
	// files. Empty disables the audit trail.
	Output string `yaml:"output" mapstructure:"output"`

	// RetentionDays is how long rotated files are kept. Defaults to 30.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// MaxFileMB rotates a file once it reaches this size. Defaults to 100.
	MaxFileMB int `yaml:"max_file_mb" mapstructure:"max_file_mb" validate:"omitempty,min=1"`
}

// AuditToDirectory reports whether audit records go to rotated files.
func (c *Config) AuditToDirectory() bool {
	switch c.Audit.Output {
	case "", "stdout", "stderr":
		return false
	}
	return true
}

// SetDevDefaults applies permissive defaults for development mode.
// These defaults are applied BEFORE validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	c.Server.LogLevel = "debug"

	if c.Backend.URL == "" {
		c.Backend.URL = "http://127.0.0.1:5984"
	}
	if len(c.Databases) == 0 {
		c.Databases = []string{"app"}
	}
	if c.Session.Secret == "" {
		c.Session.Secret = randomSecret()
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Server defaults: bind to localhost only.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:5985"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}

	if c.Backend.Timeout == "" {
		c.Backend.Timeout = "30s"
	}

	// Rule defaults
	if c.Rules.Database == "" {
		c.Rules.Database = "sync_gate"
	}
	if c.Rules.DocID == "" {
		c.Rules.DocID = "rules"
	}
	if c.Rules.PollTimeout == "" {
		c.Rules.PollTimeout = "60s"
	}
	if c.Rules.RetryBackoff == "" {
		c.Rules.RetryBackoff = "5s"
	}
	if c.Rules.InvalidateDelay == "" {
		c.Rules.InvalidateDelay = "2s"
	}
	if c.Rules.Expressions == nil {
		enabled := true
		c.Rules.Expressions = &enabled
	}

	// Session defaults
	if c.Session.TTL == "" {
		c.Session.TTL = "10m"
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "SyncGateSession"
	}

	// Auth defaults
	if c.Auth.LoginCacheTTL == "" {
		c.Auth.LoginCacheTTL = "1m"
	}
	if c.Auth.LoginRate == 0 {
		c.Auth.LoginRate = 10
	}
	if c.Auth.LoginBurst == 0 {
		c.Auth.LoginBurst = 5
	}

	if c.Telemetry.Output == "" {
		c.Telemetry.Output = "stdout"
	}
	if c.Telemetry.MetricInterval == "" {
		c.Telemetry.MetricInterval = "1m"
	}

	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 30
	}
	if c.Audit.MaxFileMB == 0 {
		c.Audit.MaxFileMB = 100
	}
}

// SecureCookies reports whether session cookies carry the Secure flag.
// Unset means secure outside dev mode.
func (c *Config) SecureCookies() bool {
	if c.Session.SecureCookie != nil {
		return *c.Session.SecureCookie
	}
	return !c.DevMode
}

// ExpressionsEnabled reports whether rule `when` conditions are compiled.
func (c *Config) ExpressionsEnabled() bool {
	return c.Rules.Expressions == nil || *c.Rules.Expressions
}

// randomSecret returns a per-process signing secret. Tokens signed with it
// do not survive a restart.
func randomSecret() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Duration parses a duration field that Validate has already checked.
// Unparseable or empty values yield fallback.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
