package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// DefaultServiceName names the resource when none is configured.
const DefaultServiceName = "glyphcloak"

// Tracer returns the tracer used across the module.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/polisai/glyphcloak")
}

// Config describes where spans go. An empty Endpoint disables export.
type Config struct {
	ServiceName string
	Endpoint    string
	Environment string
	Insecure    bool
	Headers     map[string]string
	// SampleRatio is the share of root spans kept; zero or above one keeps all.
	SampleRatio float64
}

func (c Config) sampler() sdktrace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// SetupProvider installs the global tracer provider exporting over OTLP/gRPC
// and returns its shutdown function, which flushes pending spans.
func SetupProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(cfg.sampler()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(256),
			sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithReturnConnectionError()), //nolint:staticcheck // surfaces dial errors without WithBlock
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("otlp exporter %s: %w", cfg.Endpoint, err)
	}
	return exporter, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	return res, nil
}

// RedactAttributes removes attributes that could carry page text before
// export. Keys listed in hashed are kept as a stable hash so spans can still
// be correlated by the value.
func RedactAttributes(attrs []attribute.KeyValue, hashed ...string) []attribute.KeyValue {
	if len(attrs) == 0 {
		return attrs
	}

	hashKeys := make(map[string]struct{}, len(hashed))
	for _, k := range hashed {
		hashKeys[k] = struct{}{}
	}

	redacted := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		key := string(kv.Key)
		if _, ok := hashKeys[key]; ok {
			redacted = append(redacted, attribute.String(key, hashValue(kv.Value.Emit())))
			continue
		}
		if _, drop := dropKeys[key]; drop || strings.HasPrefix(key, "cloak.text.") {
			continue
		}
		redacted = append(redacted, kv)
	}
	return redacted
}

var dropKeys = map[string]struct{}{
	"http.request.header.authorization": {},
	"http.response.header.set_cookie":   {},
	"request.body":                      {},
	"response.body":                     {},
	"cloak.query":                       {},
	"cloak.selection":                   {},
}

// hashValue produces a deterministic hex hash for correlation tracking.
func hashValue(s string) string {
	if s == "" {
		return "[REDACTED:empty]"
	}
	return fmt.Sprintf("[REDACTED:hash:%016x]", xxhash.Sum64String(s))
}
