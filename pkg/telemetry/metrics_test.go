package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRecordRun(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
	})

	ResetMetricsForTest()

	RecordRun(ctx, RunMetrics{
		Trigger:      "rescan",
		Units:        5,
		Rewritten:    3,
		Failed:       2,
		FontFailures: 1,
		Duration:     150 * time.Millisecond,
		Err:          errors.New("sub-batch failed"),
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}

	runs, ok := metrics["glyphcloak.pipeline.runs_total"]
	if !ok {
		t.Fatalf("missing glyphcloak.pipeline.runs_total metric")
	}
	runData, ok := runs.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for runs metric")
	}
	if len(runData.DataPoints) != 1 || runData.DataPoints[0].Value != 1 {
		t.Fatalf("expected one run, got %+v", runData.DataPoints)
	}
	if value, ok := runData.DataPoints[0].Attributes.Value(attribute.Key("pipeline.outcome")); !ok || value.AsString() != "partial" {
		t.Fatalf("expected pipeline.outcome partial, got %v", value)
	}

	units := metrics["glyphcloak.pipeline.units_total"].Data.(metricdata.Sum[int64])
	total := int64(0)
	for _, dp := range units.DataPoints {
		total += dp.Value
	}
	if total != 5 {
		t.Fatalf("expected 5 units, got %d", total)
	}

	fallbacks := metrics["glyphcloak.pipeline.fallbacks_total"].Data.(metricdata.Sum[int64])
	if fallbacks.DataPoints[0].Value != 2 {
		t.Fatalf("expected 2 fallbacks, got %d", fallbacks.DataPoints[0].Value)
	}

	fonts := metrics["glyphcloak.pipeline.font_failures_total"].Data.(metricdata.Sum[int64])
	if fonts.DataPoints[0].Value != 1 {
		t.Fatalf("expected 1 font failure, got %d", fonts.DataPoints[0].Value)
	}

	hist := metrics["glyphcloak.pipeline.duration_ms"].Data.(metricdata.Histogram[float64])
	if hist.DataPoints[0].Count != 1 || hist.DataPoints[0].Sum != 150 {
		t.Fatalf("unexpected histogram point %+v", hist.DataPoints[0])
	}
}

func TestRecordFallback(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "pipeline")
	RecordFallback(span, "transform unavailable", 4)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "cloak.fallback" {
		t.Fatalf("expected one cloak.fallback event, got %+v", events)
	}

	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("cloak.fallback.units")); !ok || value.AsInt64() != 4 {
		t.Fatalf("expected 4 fallback units, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("cloak.fallback.reason")); !ok || value.AsString() != "transform unavailable" {
		t.Fatalf("unexpected reason %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}
