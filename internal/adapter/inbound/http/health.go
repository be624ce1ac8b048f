package http

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/Sentinel-Gate/Syncgate/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string              `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string   `json:"checks"`            // Component check results
	Rules   *service.RuleStatus `json:"rules,omitempty"`   // Rule snapshot state
	Version string              `json:"version,omitempty"` // Optional version info
}

// RuleStatusSource reports the rule snapshot state. *service.RuleStore
// implements it.
type RuleStatusSource interface {
	Status() service.RuleStatus
}

// Pinger reports whether a durable store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sizer reports the number of entries an in-memory component tracks.
type Sizer interface {
	Size() int
}

// HealthChecker verifies component health.
type HealthChecker struct {
	rules       RuleStatusSource
	revocations any
	rateLimiter Sizer
	version     string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available. revocations may be a
// Pinger (durable store) or a Sizer (in-memory store).
func NewHealthChecker(rules RuleStatusSource, revocations any, rateLimiter Sizer, version string) *HealthChecker {
	return &HealthChecker{
		rules:       rules,
		revocations: revocations,
		rateLimiter: rateLimiter,
		version:     version,
	}
}

// Check performs health checks on all components. Missing rules are
// reported but stay healthy: authenticated users then have full access and
// anonymous users none, which is a valid configuration.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	var rules *service.RuleStatus
	if h.rules != nil {
		st := h.rules.Status()
		rules = &st
		switch {
		case st.Loaded:
			checks["rules"] = "ok: " + st.Revision
		default:
			checks["rules"] = "not loaded"
		}
		if st.LastError != "" {
			checks["rules_error"] = st.LastError
		}
	} else {
		checks["rules"] = "not configured"
	}

	switch store := h.revocations.(type) {
	case Pinger:
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := store.Ping(pingCtx)
		cancel()
		if err != nil {
			checks["revocation_store"] = "error: " + err.Error()
			healthy = false
		} else {
			checks["revocation_store"] = "ok"
		}
	case Sizer:
		checks["revocation_store"] = fmt.Sprintf("ok: %d revoked", store.Size())
	default:
		checks["revocation_store"] = "not configured"
	}

	if h.rateLimiter != nil {
		checks["rate_limiter"] = fmt.Sprintf("ok: %d keys", h.rateLimiter.Size())
	} else {
		checks["rate_limiter"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Rules:   rules,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		status := http.StatusOK
		if health.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	})
}

// healthHandler is the fallback when no checker is configured.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}
