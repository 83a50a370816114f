package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "killfeed"

// Provider is the daemon's installed tracer provider.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Start installs a global tracer provider tagged with version. Spans are
// exported over OTLP/gRPC when endpoint is set and dropped otherwise.
func Start(ctx context.Context, endpoint string, sampleRate float64, version string) (*Provider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler(sampleRate)),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		)),
	}
	if endpoint != "" {
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("otlp exporter for %s: %w", endpoint, err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// sampler keeps every trace unless rate is a fraction in (0, 1).
func sampler(rate float64) sdktrace.Sampler {
	if rate > 0 && rate < 1 {
		return sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.AlwaysSample()
}

func (p *Provider) Tracer() trace.Tracer { return p.tp.Tracer(serviceName) }

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error { return p.tp.Shutdown(ctx) }

// AddEvent adds an event to the current span
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the current span
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attrs...)
}

// RecordError records an error on the current span
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
}

// TracePass creates a span for one ingestion pass
func TracePass(ctx context.Context, tracer trace.Tracer, sourceID, kind, mode, passID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "ingest.pass",
		trace.WithAttributes(
			attribute.String("source.id", sourceID),
			attribute.String("parser.kind", kind),
			attribute.String("parser.mode", mode),
			attribute.String("pass.id", passID),
		),
	)
}

// TraceQuery creates a span for an aggregation query
func TraceQuery(ctx context.Context, tracer trace.Tracer, query string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "aggregate.query",
		trace.WithAttributes(
			attribute.String("query.name", query),
		),
	)
}

// TracePublish creates a span for sending a batch to a sink
func TracePublish(ctx context.Context, tracer trace.Tracer, sink string, eventCount int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "publish.send",
		trace.WithAttributes(
			attribute.String("sink.name", sink),
			attribute.Int("event.count", eventCount),
		),
	)
}
