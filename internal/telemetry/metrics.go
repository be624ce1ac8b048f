// Package telemetry holds the gateway's Prometheus metrics and OpenTelemetry
// setup.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "syncgate"

// Metrics holds all Prometheus metrics for the gateway.
// Pass to components that need to record metrics. A nil *Metrics records
// nothing.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	FilterDecisions    *prometheus.CounterVec
	AuthResults        *prometheus.CounterVec
	RuleUpdates        *prometheus.CounterVec
	RulesLoaded        prometheus.Gauge
	CacheInvalidations *prometheus.CounterVec
	LoginThrottled     prometheus.Counter
	RateLimitKeys      prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"}, // status=2xx/4xx/5xx
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		FilterDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filter_decisions_total",
				Help:      "Documents kept or dropped by the permission filter",
			},
			[]string{"operation", "result"}, // result=kept/dropped
		),
		AuthResults: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_results_total",
				Help:      "Authentication outcomes by strategy",
			},
			[]string{"strategy", "result"}, // result=success/failure
		),
		RuleUpdates: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_updates_total",
				Help:      "Rule document updates observed by the rule store",
			},
			[]string{"result"}, // result=applied/unchanged/rejected/removed
		),
		RulesLoaded: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rules_loaded",
				Help:      "1 when a rule document is loaded, 0 when running without rules",
			},
		),
		CacheInvalidations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_invalidations_total",
				Help:      "Replication checkpoint invalidations after rule changes",
			},
			[]string{"result"}, // result=ok/error
		),
		LoginThrottled: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "login_throttled_total",
				Help:      "Login attempts rejected by the rate limiter",
			},
		),
		RateLimitKeys: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rate_limit_keys",
				Help:      "Number of active rate limit keys",
			},
		),
	}
}

// RecordFilter counts kept and dropped documents for one filter operation.
func (m *Metrics) RecordFilter(operation string, kept, dropped int) {
	if m == nil {
		return
	}
	if kept > 0 {
		m.FilterDecisions.WithLabelValues(operation, "kept").Add(float64(kept))
	}
	if dropped > 0 {
		m.FilterDecisions.WithLabelValues(operation, "dropped").Add(float64(dropped))
	}
}

// RecordAuth counts one authentication outcome.
func (m *Metrics) RecordAuth(strategy string, success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.AuthResults.WithLabelValues(strategy, result).Inc()
}

// RecordRuleUpdate counts one rule store update and tracks whether rules
// are loaded.
func (m *Metrics) RecordRuleUpdate(result string, loaded bool) {
	if m == nil {
		return
	}
	m.RuleUpdates.WithLabelValues(result).Inc()
	if loaded {
		m.RulesLoaded.Set(1)
	} else {
		m.RulesLoaded.Set(0)
	}
}

// RecordInvalidation counts one checkpoint invalidation.
func (m *Metrics) RecordInvalidation(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.CacheInvalidations.WithLabelValues("error").Inc()
		return
	}
	m.CacheInvalidations.WithLabelValues("ok").Inc()
}

// RecordLoginThrottled counts one throttled login.
func (m *Metrics) RecordLoginThrottled() {
	if m == nil {
		return
	}
	m.LoginThrottled.Inc()
}
