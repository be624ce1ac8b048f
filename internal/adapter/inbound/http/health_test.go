package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Sentinel-Gate/Syncgate/internal/service"
)

type staticStatus service.RuleStatus

func (s staticStatus) Status() service.RuleStatus { return service.RuleStatus(s) }

type pingStore struct{ err error }

func (p pingStore) Ping(context.Context) error { return p.err }

type sizer int

func (s sizer) Size() int { return int(s) }

func TestHealthChecker_Healthy(t *testing.T) {
	rules := staticStatus{Loaded: true, Revision: "3-c", Roles: 2}
	hc := NewHealthChecker(rules, pingStore{}, sizer(4), "test-version")

	health := hc.Check(context.Background())

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Version != "test-version" {
		t.Errorf("Version = %q, want test-version", health.Version)
	}
	if health.Checks["rules"] != "ok: 3-c" {
		t.Errorf("rules check = %q, want 'ok: 3-c'", health.Checks["rules"])
	}
	if health.Checks["revocation_store"] != "ok" {
		t.Errorf("revocation_store check = %q, want ok", health.Checks["revocation_store"])
	}
	if health.Checks["rate_limiter"] != "ok: 4 keys" {
		t.Errorf("rate_limiter check = %q, want 'ok: 4 keys'", health.Checks["rate_limiter"])
	}
	if health.Rules == nil || health.Rules.Roles != 2 {
		t.Errorf("Rules = %+v, want 2 roles", health.Rules)
	}
}

func TestHealthChecker_NilComponents(t *testing.T) {
	hc := NewHealthChecker(nil, nil, nil, "")
	health := hc.Check(context.Background())

	// Should still be healthy with nil components
	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	for _, name := range []string{"rules", "revocation_store", "rate_limiter"} {
		if health.Checks[name] != "not configured" {
			t.Errorf("%s = %q, want 'not configured'", name, health.Checks[name])
		}
	}
}

func TestHealthChecker_RulesNotLoadedStaysHealthy(t *testing.T) {
	rules := staticStatus{LastError: "malformed rule document"}
	hc := NewHealthChecker(rules, sizer(0), nil, "")
	health := hc.Check(context.Background())

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Checks["rules"] != "not loaded" {
		t.Errorf("rules = %q, want 'not loaded'", health.Checks["rules"])
	}
	if health.Checks["rules_error"] != "malformed rule document" {
		t.Errorf("rules_error = %q", health.Checks["rules_error"])
	}
	if health.Checks["revocation_store"] != "ok: 0 revoked" {
		t.Errorf("revocation_store = %q, want 'ok: 0 revoked'", health.Checks["revocation_store"])
	}
}

func TestHealthChecker_Handler_HTTP(t *testing.T) {
	tests := []struct {
		name       string
		store      any
		wantCode   int
		wantStatus string
	}{
		{"store reachable", pingStore{}, http.StatusOK, "healthy"},
		{"store down", pingStore{err: errors.New("database is locked")}, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker(nil, tt.store, nil, "1.0.0")

			req := httptest.NewRequest("GET", "/health", nil)
			rec := httptest.NewRecorder()
			hc.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("Status code = %d, want %d", rec.Code, tt.wantCode)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
			var resp HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if resp.Version != "1.0.0" {
				t.Errorf("Version = %q, want 1.0.0", resp.Version)
			}
		})
	}
}

func TestHealthHandler_Fallback(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != `{"status":"ok"}` {
		t.Errorf("body = %s", got)
	}
}
