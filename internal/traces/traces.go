// Package traces wires OpenTelemetry for model loading, report exports and
// stream runs.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentation = "github.com/mbd888/fraudwatch"
	serviceName     = "fraudwatch"
)

// Options configures the exporter. An empty Endpoint leaves the global
// no-op provider in place.
type Options struct {
	Endpoint       string
	ServiceVersion string
	// SampleRatio of root spans to keep; 0 or above 1 keeps all.
	SampleRatio float64
}

// Init installs a batching OTLP/gRPC provider and returns its shutdown.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "endpoint", opts.Endpoint)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts a span on the fraudwatch tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail marks span as errored. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func DatasetPath(path string) attribute.KeyValue { return attribute.String("dataset.path", path) }
func StreamID(id string) attribute.KeyValue      { return attribute.String("stream.id", id) }
func StreamMode(mode string) attribute.KeyValue  { return attribute.String("stream.mode", mode) }
func StreamState(st string) attribute.KeyValue   { return attribute.String("stream.state", st) }
func RowsProcessed(n int64) attribute.KeyValue   { return attribute.Int64("stream.rows", n) }
func ReportID(id string) attribute.KeyValue      { return attribute.String("report.id", id) }
