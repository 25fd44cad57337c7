// Package observe provides application-wide observability primitives for
// sessionaide: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all sessionaide
// metrics.
const meterName = "github.com/attunehealth/sessionaide"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// AnalysisDuration tracks collaborator request latency. Use with
	// attributes:
	//   attribute.String("channel", ...), attribute.String("status", ...)
	AnalysisDuration metric.Float64Histogram

	// --- Counters ---

	// JobsTriggered counts analysis cycles fired by the word-threshold
	// trigger.
	JobsTriggered metric.Int64Counter

	// AnalysisResults counts results applied by the reconciler. Use with
	// attributes:
	//   attribute.String("channel", ...), attribute.String("outcome", ...)
	// where outcome is one of "applied", "blocked", "stale", "no_alert".
	AnalysisResults metric.Int64Counter

	// AlertsBlocked counts alerts suppressed by the deduplicator. Use with
	// attribute: attribute.String("reason", "duplicate"|"rate_limited").
	AlertsBlocked metric.Int64Counter

	// StaleDiscards counts slow results whose guidance portion was discarded
	// for a superseded job id.
	StaleDiscards metric.Int64Counter

	// ParseFailures counts skipped unparseable lines in collaborator
	// response streams.
	ParseFailures metric.Int64Counter

	// TransportFailures counts failed collaborator requests. Use with
	// attributes:
	//   attribute.String("channel", ...), attribute.String("class", ...)
	TransportFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live therapy sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// ConnectedClients tracks the number of therapist UI clients on the
	// state stream.
	ConnectedClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning
// the fast path (sub-second to a few seconds) and the slow path (tens of
// seconds).
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.AnalysisDuration, err = m.Float64Histogram("sessionaide.analysis.duration",
		metric.WithDescription("Latency of collaborator analysis requests by channel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.JobsTriggered, err = m.Int64Counter("sessionaide.jobs.triggered",
		metric.WithDescription("Total analysis cycles fired by the word-threshold trigger."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisResults, err = m.Int64Counter("sessionaide.analysis.results",
		metric.WithDescription("Total analysis results processed by channel and outcome."),
	); err != nil {
		return nil, err
	}
	if met.AlertsBlocked, err = m.Int64Counter("sessionaide.alerts.blocked",
		metric.WithDescription("Total alerts suppressed by the deduplicator, by reason."),
	); err != nil {
		return nil, err
	}
	if met.StaleDiscards, err = m.Int64Counter("sessionaide.results.stale_discards",
		metric.WithDescription("Total slow results whose guidance was discarded as stale."),
	); err != nil {
		return nil, err
	}
	if met.ParseFailures, err = m.Int64Counter("sessionaide.stream.parse_failures",
		metric.WithDescription("Total skipped unparseable response lines."),
	); err != nil {
		return nil, err
	}
	if met.TransportFailures, err = m.Int64Counter("sessionaide.transport.failures",
		metric.WithDescription("Total failed collaborator requests by channel and failure class."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("sessionaide.active_sessions",
		metric.WithDescription("Number of live therapy sessions."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedClients, err = m.Int64UpDownCounter("sessionaide.connected_clients",
		metric.WithDescription("Number of connected therapist UI clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sessionaide.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordAnalysis records one collaborator request's latency sample.
func (m *Metrics) RecordAnalysis(ctx context.Context, channel, status string, seconds float64) {
	m.AnalysisDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("status", status),
		),
	)
}

// RecordResult records one reconciler outcome for a processed result.
func (m *Metrics) RecordResult(ctx context.Context, channel, outcome string) {
	m.AnalysisResults.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordTransportFailure records one failed collaborator request.
func (m *Metrics) RecordTransportFailure(ctx context.Context, channel, class string) {
	m.TransportFailures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("class", class),
		),
	)
}
