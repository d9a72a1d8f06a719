package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the counter value of the data point carrying attr.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
			return dp.Value
		}
	}
	return 0
}

func TestRecordStage(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStage(ctx, "transcribe", 12.5)
	m.RecordStage(ctx, "transcribe", 40)
	m.RecordStage(ctx, "stage", 0.2)

	rm := collect(t, reader)
	met := findMetric(rm, "voxscribe.stage.duration")
	if met == nil {
		t.Fatal("stage histogram not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("stage metric is not a histogram")
	}
	var transcribe uint64
	for _, dp := range hist.DataPoints {
		if v, _ := dp.Attributes.Value("stage"); v.AsString() == "transcribe" {
			transcribe = dp.Count
		}
	}
	if transcribe != 2 {
		t.Errorf("transcribe samples = %d, want 2", transcribe)
	}
}

func TestJobCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSubmitted(ctx, "telegram")
	m.RecordSubmitted(ctx, "telegram")
	m.RecordSubmitted(ctx, "web")
	m.RecordFinished(ctx, "completed", "")
	m.RecordFinished(ctx, "failed", "conversion")
	m.RecordTier(ctx, "aggressive")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "voxscribe.jobs.submitted", Attr("channel", "telegram")); got != 2 {
		t.Errorf("telegram submissions = %d, want 2", got)
	}
	if got := sumFor(t, rm, "voxscribe.jobs.finished", Attr("kind", "conversion")); got != 1 {
		t.Errorf("conversion failures = %d, want 1", got)
	}
	if got := sumFor(t, rm, "voxscribe.transcode.decisions", Attr("tier", "aggressive")); got != 1 {
		t.Errorf("aggressive decisions = %d, want 1", got)
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "stt", "ok")
	m.RecordProviderRequest(ctx, "openai", "stt", "error")
	m.RecordProviderError(ctx, "gdrive", "archive")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "voxscribe.provider.requests", Attr("status", "error")); got != 1 {
		t.Errorf("error requests = %d, want 1", got)
	}
	if got := sumFor(t, rm, "voxscribe.provider.errors", Attr("provider", "gdrive")); got != 1 {
		t.Errorf("gdrive errors = %d, want 1", got)
	}
}

func TestActiveJobsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveJobs.Add(ctx, 1)
	m.ActiveJobs.Add(ctx, 1)
	m.ActiveJobs.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "voxscribe.active_jobs")
	if met == nil {
		t.Fatal("active_jobs not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("active_jobs has no data")
	}
	if sum.DataPoints[0].Value != 1 {
		t.Errorf("active_jobs = %d, want 1", sum.DataPoints[0].Value)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
