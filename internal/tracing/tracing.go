// Package tracing sets up OpenTelemetry export for the graph engine and
// names the spans and attributes its components record.
package tracing

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer used by engine components.
const InstrumentationName = "github.com/flexinfer/mentatlab/services/graph-engine"

// Span attribute keys.
const (
	SessionIDKey  = attribute.Key("session.id")
	InstanceIDKey = attribute.Key("instance.id")
	NodeIDKey     = attribute.Key("node.id")
	NodeKindKey   = attribute.Key("node.kind")
	NodeIndexKey  = attribute.Key("node.index")
)

// Config selects where and how often spans are exported.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // host:port of an OTLP gRPC collector
	Enabled        bool
	SampleRate     float64 // 0 exports nothing, 1 everything
}

// DefaultConfig returns a disabled configuration pointing at a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "mentatlab-graph-engine",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
	}
}

// Provider owns the SDK tracer provider, if tracing is enabled.
type Provider struct {
	provider *sdktrace.TracerProvider
	logger   *slog.Logger
}

// Init installs a batching OTLP exporter as the global tracer provider.
// When tracing is disabled the returned provider hands out the global,
// no-op tracer.
func Init(ctx context.Context, cfg *Config, logger *slog.Logger) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		logger.Info("tracing disabled")
		return &Provider{logger: logger}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing initialized",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Float64("sample_rate", cfg.SampleRate),
	)
	return &Provider{provider: tp, logger: logger}, nil
}

// Sampler maps a sample rate to a sampler.
func Sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Tracer returns the engine tracer. A disabled provider falls back to the
// global provider.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.provider == nil {
		return otel.Tracer(InstrumentationName)
	}
	return p.provider.Tracer(InstrumentationName)
}

// TracerProvider returns the SDK provider, nil when disabled.
func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	return p.provider
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.provider == nil {
		return nil
	}
	p.logger.Info("shutting down tracer provider")
	return p.provider.Shutdown(ctx)
}

// Invocation identifies one node instance run.
type Invocation struct {
	SessionID  string
	InstanceID string
	NodeID     string
	Kind       string
	Index      int // -1 for instances that were not expanded
}

// StartInvocation starts the span "invoke <kind>" for one node instance.
func StartInvocation(ctx context.Context, tracer trace.Tracer, inv Invocation) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		SessionIDKey.String(inv.SessionID),
		InstanceIDKey.String(inv.InstanceID),
		NodeIDKey.String(inv.NodeID),
		NodeKindKey.String(inv.Kind),
	}
	if inv.Index >= 0 {
		attrs = append(attrs, NodeIndexKey.Int(inv.Index))
	}
	return tracer.Start(ctx, "invoke "+inv.Kind,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// EndInvocation records err, if any, on span and ends it.
func EndInvocation(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
