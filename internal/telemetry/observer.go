package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
)

// instrumentationName scopes the gateway's tracers and meters.
const instrumentationName = "github.com/Sentinel-Gate/Syncgate"

// Tracer returns the gateway tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// AuthObserver tags requests with the resolved identity. It implements
// auth.Observer and never blocks: span updates and counters are in-memory.
type AuthObserver struct {
	metrics  *Metrics
	resolved metric.Int64Counter
	failed   metric.Int64Counter
}

// NewAuthObserver creates an observer. A nil provider selects the global
// meter provider.
func NewAuthObserver(metrics *Metrics, provider metric.MeterProvider) (*AuthObserver, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)
	resolved, err := meter.Int64Counter("syncgate.auth.identities_resolved",
		metric.WithDescription("Requests with a resolved identity"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("syncgate.auth.failures",
		metric.WithDescription("Failed authentication attempts"))
	if err != nil {
		return nil, err
	}
	return &AuthObserver{metrics: metrics, resolved: resolved, failed: failed}, nil
}

// IdentityResolved implements auth.Observer.
func (o *AuthObserver) IdentityResolved(ctx context.Context, identity *auth.Identity, strategy string) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("enduser.id", identity.Name),
		attribute.String("auth.strategy", strategy),
	)
	span.AddEvent("identity.resolved", trace.WithAttributes(
		attribute.String("enduser.id", identity.Name),
		attribute.StringSlice("enduser.roles", identity.Roles),
	))
	o.resolved.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
	o.metrics.RecordAuth(strategy, true)
}

// AuthenticationFailed implements auth.Observer.
func (o *AuthObserver) AuthenticationFailed(ctx context.Context, strategy string, err error) {
	trace.SpanFromContext(ctx).AddEvent("authentication.failed", trace.WithAttributes(
		attribute.String("auth.strategy", strategy),
	))
	o.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
	o.metrics.RecordAuth(strategy, false)
}

// Compile-time interface verification.
var _ auth.Observer = (*AuthObserver)(nil)
