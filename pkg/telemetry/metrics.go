package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce        sync.Once
	metricsInitErr     error
	runCounter         metric.Int64Counter
	unitCounter        metric.Int64Counter
	fallbackCounter    metric.Int64Counter
	fontFailureCounter metric.Int64Counter
	runLatency         metric.Float64Histogram
)

// RunMetrics captures one pipeline run.
type RunMetrics struct {
	// Trigger names what started the run ("initial", "rescan", "proxy").
	Trigger      string
	Units        int
	Rewritten    int
	Failed       int
	FontFailures int
	Duration     time.Duration
	Err          error
}

// RecordRun emits counters and histograms for a pipeline run.
func RecordRun(ctx context.Context, m RunMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	outcome := "ok"
	switch {
	case m.Err != nil && m.Rewritten == 0:
		outcome = "failed"
	case m.Err != nil || m.Failed > 0:
		outcome = "partial"
	}
	attrs := metric.WithAttributes(
		attribute.String("pipeline.trigger", m.Trigger),
		attribute.String("pipeline.outcome", outcome),
	)

	runCounter.Add(ctx, 1, attrs)
	if m.Rewritten > 0 {
		unitCounter.Add(ctx, int64(m.Rewritten), metric.WithAttributes(attribute.String("unit.state", "rewritten")))
	}
	if m.Failed > 0 {
		unitCounter.Add(ctx, int64(m.Failed), metric.WithAttributes(attribute.String("unit.state", "plaintext")))
		fallbackCounter.Add(ctx, int64(m.Failed), attrs)
	}
	if m.FontFailures > 0 {
		fontFailureCounter.Add(ctx, int64(m.FontFailures))
	}
	if m.Duration > 0 {
		runLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("glyphcloak.pipeline")

		runCounter, metricsInitErr = meter.Int64Counter(
			"glyphcloak.pipeline.runs_total",
			metric.WithDescription("Pipeline runs partitioned by trigger and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		unitCounter, metricsInitErr = meter.Int64Counter(
			"glyphcloak.pipeline.units_total",
			metric.WithDescription("Text units handled by the pipeline"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		fallbackCounter, metricsInitErr = meter.Int64Counter(
			"glyphcloak.pipeline.fallbacks_total",
			metric.WithDescription("Text units left in plaintext after a failed transform"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		fontFailureCounter, metricsInitErr = meter.Int64Counter(
			"glyphcloak.pipeline.font_failures_total",
			metric.WithDescription("Cloaking fonts that could not be loaded"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		runLatency, metricsInitErr = meter.Float64Histogram(
			"glyphcloak.pipeline.duration_ms",
			metric.WithDescription("Observed pipeline run latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordFallback attaches a degradation event to the span: texts left in
// plaintext or a font that failed to load.
func RecordFallback(span trace.Span, reason string, units int) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{attribute.Int("cloak.fallback.units", units)}
	if reason != "" {
		attrs = append(attrs, attribute.String("cloak.fallback.reason", reason))
	}
	span.AddEvent("cloak.fallback", trace.WithAttributes(attrs...))
}
