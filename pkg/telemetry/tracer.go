package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/reservoir/reservoir/pkg/engine"
)

// Span attribute keys.
var (
	AttrLeaseID      = attribute.Key("reservoir.lease.id")
	AttrEventID      = attribute.Key("reservoir.event.id")
	AttrEventType    = attribute.Key("reservoir.event.type")
	AttrResourceType = attribute.Key("reservoir.resource_type")
	AttrResourceID   = attribute.Key("reservoir.resource.id")
	AttrErrorClass   = attribute.Key("reservoir.error.class")
	AttrErrorCode    = attribute.Key("reservoir.error.code")
)

// Tracer starts the spans of event dispatches and plugin calls.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds the tracer cfg describes. With tracing disabled nothing is
// sampled and the global provider is left alone; otherwise the provider and
// a W3C propagator become the process globals.
func NewTracer(cfg *Config) (*Tracer, error) {
	tc := cfg.Tracing
	if !tc.Enabled {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
	}

	res, err := traceResource(cfg)
	if err != nil {
		return nil, err
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SamplingRate))),
	}

	exporter, err := newSpanExporter(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", tc.Exporter, err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(tc.MaxExportBatchSize),
			sdktrace.WithExportTimeout(tc.ExportTimeout)))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
}

// NewTracerWithExporter exports every span synchronously to exporter. The
// global provider is not touched.
func NewTracerWithExporter(exporter sdktrace.SpanExporter, serviceName string) *Tracer {
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}
}

func traceResource(cfg *Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentKey.String(cfg.Environment),
	}
	for k, v := range cfg.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}
	return res, nil
}

// newSpanExporter returns nil for the none exporter.
func newSpanExporter(tc TracingConfig) (sdktrace.SpanExporter, error) {
	switch tc.Exporter {
	case "none":
		return nil, nil
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(tc.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent("reservoir")),
			otlptracegrpc.WithHeaders(tc.Headers),
		}
		if tc.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	}
	return nil, fmt.Errorf("unsupported trace exporter: %s", tc.Exporter)
}

func (t *Tracer) StartEventSpan(ctx context.Context, event *engine.Event) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "event."+string(event.EventType), trace.WithAttributes(
		AttrEventID.String(event.ID),
		AttrEventType.String(string(event.EventType)),
		AttrLeaseID.String(event.LeaseID),
	))
}

func (t *Tracer) StartPluginSpan(ctx context.Context, resourceType, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "plugin."+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(append(attrs, AttrResourceType.String(resourceType))...))
}

// RecordError sets the span status from err. EngineErrors add their class
// and code as attributes.
func RecordError(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	if ee := new(engine.EngineError); errors.As(err, &ee) {
		span.SetAttributes(AttrErrorClass.String(string(ee.Class)), AttrErrorCode.String(ee.Code))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// TraceID returns the ID of the trace active in ctx, or "".
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}
