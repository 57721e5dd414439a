// Package telemetry wraps the OpenTelemetry global providers behind the
// small surface the service needs: a tracer for the retrieval pipeline and
// counters plus latency histograms for the API layer. Providers are
// configured by the host process; everything here degrades to no-ops when
// none is installed.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// scope identifies this instrumentation library.
const scope = "github.com/pitchline/pitchline"

type (
	// Metrics records service metrics through the global meter provider.
	Metrics struct {
		meter metric.Meter
	}

	// Tracer starts spans through the global tracer provider.
	Tracer struct {
		tracer trace.Tracer
	}
)

// NewMetrics builds a recorder on the global meter provider.
func NewMetrics() *Metrics {
	return &Metrics{meter: otel.Meter(scope)}
}

// NewTracer builds a tracer on the global tracer provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(scope)}
}

// Count increments the named counter with string attribute pairs
// (k1, v1, k2, v2, ...).
func (m *Metrics) Count(ctx context.Context, name string, tags ...string) {
	counter, err := m.meter.Int64Counter(name)
	if err != nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(tagAttrs(tags)...))
}

// Observe records a duration in seconds on the named histogram.
func (m *Metrics) Observe(ctx context.Context, name string, d time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(ctx, d.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

// Start opens a span. Callers must End it.
func (t *Tracer) Start(ctx context.Context, name string, tags ...string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(tagAttrs(tags)...))
}

func tagAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}
