// Package observe provides application-wide observability primitives for
// voxscribe: OpenTelemetry metrics, tracing, structured logging and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// for Prometheus scraping via [InitProvider] and [MetricsHandler]. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxscribe metrics.
const meterName = "github.com/MrWong99/voxscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// StageDuration tracks how long each worker stage takes. Use with
	// attribute.String("stage", ...): stage, transcode, transcribe, archive,
	// notify.
	StageDuration metric.Float64Histogram

	// JobsSubmitted counts created jobs by intake channel.
	JobsSubmitted metric.Int64Counter

	// JobsFinished counts jobs reaching a terminal status. Use with
	// attribute.String("status", ...) and attribute.String("kind", ...) for
	// failures.
	JobsFinished metric.Int64Counter

	// TranscodeDecisions counts how files were prepared. Use with
	// attribute.String("tier", ...).
	TranscodeDecisions metric.Int64Counter

	// ProviderRequests counts external service calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts external service errors by provider and kind.
	ProviderErrors metric.Int64Counter

	// ActiveJobs tracks worker runs in flight.
	ActiveJobs metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time by method,
	// route pattern and status class ("2xx", "4xx", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// stageBuckets defines histogram bucket boundaries (in seconds) for pipeline
// stages, which range from sub-second staging to multi-minute transcription.
var stageBuckets = []float64{
	0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("voxscribe.stage.duration",
		metric.WithDescription("Latency of transcription pipeline stages."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}

	if met.JobsSubmitted, err = m.Int64Counter("voxscribe.jobs.submitted",
		metric.WithDescription("Total jobs created by intake channel."),
	); err != nil {
		return nil, err
	}
	if met.JobsFinished, err = m.Int64Counter("voxscribe.jobs.finished",
		metric.WithDescription("Total jobs reaching a terminal status."),
	); err != nil {
		return nil, err
	}
	if met.TranscodeDecisions, err = m.Int64Counter("voxscribe.transcode.decisions",
		metric.WithDescription("Total transcoding decisions by tier."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("voxscribe.provider.requests",
		metric.WithDescription("Total external service requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxscribe.provider.errors",
		metric.WithDescription("Total external service errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveJobs, err = m.Int64UpDownCounter("voxscribe.active_jobs",
		metric.WithDescription("Number of worker runs in flight."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records the duration of one worker stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordSubmitted counts a created job.
func (m *Metrics) RecordSubmitted(ctx context.Context, channel string) {
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordFinished counts a job reaching status. kind is empty for completed
// jobs.
func (m *Metrics) RecordFinished(ctx context.Context, status, kind string) {
	attrs := []attribute.KeyValue{attribute.String("status", status)}
	if kind != "" {
		attrs = append(attrs, attribute.String("kind", kind))
	}
	m.JobsFinished.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTier counts a transcoding decision.
func (m *Metrics) RecordTier(ctx context.Context, tier string) {
	m.TranscodeDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
