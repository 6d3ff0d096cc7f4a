package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // otlp, zipkin
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	ZipkinEndpoint string  `yaml:"zipkin_endpoint"`
	SampleRate     float64 `yaml:"sample_rate"` // 0.0 to 1.0
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
}

// TracerProvider wraps the OpenTelemetry tracer. A nil provider and a
// disabled provider both produce no-op spans.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider creates a new tracer provider.
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return &TracerProvider{
			tracer: noop.NewTracerProvider().Tracer("vigil"),
		}, nil
	}

	if config.ServiceName == "" {
		config.ServiceName = "vigil"
	}
	if config.SampleRate <= 0 || config.SampleRate > 1.0 {
		config.SampleRate = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch config.Exporter {
	case "otlp":
		endpoint := config.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err = otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		endpoint := config.ZipkinEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", config.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer("vigil"),
	}, nil
}

// Shutdown gracefully shuts down the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// StartSpan starts a new span. Safe on a nil provider.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tp == nil || tp.tracer == nil {
		return noop.NewTracerProvider().Tracer("vigil").Start(ctx, name)
	}
	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Common span names.
const (
	SpanTurnStream      = "vigil.turn.stream"
	SpanHistoryFetch    = "vigil.history.fetch"
	SpanArtifactRefresh = "vigil.artifacts.refresh"
)

// Common attribute keys.
const (
	AttrSessionID = "vigil.session_id"
	AttrSubject   = "vigil.subject"
	AttrToolName  = "vigil.tool_name"
	AttrStatus    = "vigil.status"
)

// SessionAttrs creates session attributes.
func SessionAttrs(sessionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
	}
}

// SubjectAttrs creates subject attributes.
func SubjectAttrs(subjectKey string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSubject, subjectKey),
	}
}
