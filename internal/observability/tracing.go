package observability

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Environment variables read by InitTracingFromEnv
const (
	EnvExporter = "RMD_OTEL_EXPORTER"
	EnvEndpoint = "RMD_OTEL_ENDPOINT"
)

const tracerName = "sqp-runmanager"

var (
	tracerOnce sync.Once
	shutdownFn func(context.Context) error
	initErr    error
)

// InitTracingFromEnv configures the global tracer provider from RMD_OTEL_* variables.
// It only takes effect once per process.
func InitTracingFromEnv(service string) (func(context.Context) error, error) {
	tracerOnce.Do(func() {
		exporter := strings.ToLower(strings.TrimSpace(os.Getenv(EnvExporter)))
		endpoint := strings.TrimSpace(os.Getenv(EnvEndpoint))
		shutdownFn, initErr = InitTracing(context.Background(), service, exporter, endpoint)
	})
	return shutdownFn, initErr
}

// InitTracing installs a tracer provider for exporter "none", "stdout" or "otlp"
func InitTracing(ctx context.Context, service, exporter, endpoint string) (func(context.Context) error, error) {
	if exporter == "" || exporter == "none" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := buildExporter(ctx, exporter, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s trace exporter: %w", exporter, err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			attribute.String("rmd.host", hostname()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// StartSpan starts a span on the global tracer
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func buildExporter(ctx context.Context, exporter, endpoint string) (sdktrace.SpanExporter, error) {
	switch exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "otlpgrpc", "grpc":
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unknown exporter %q (must be none, stdout or otlp)", exporter)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
