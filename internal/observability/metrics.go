package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages the conversation client's metrics. A zero-value
// collector (metrics disabled) is safe to call; every record method is a
// no-op then.
type MetricsCollector struct {
	meter metric.Meter

	// Turn metrics
	turnsTotal   metric.Int64Counter
	turnDuration metric.Float64Histogram

	// Stream metrics
	eventsApplied metric.Int64Counter
	framesDropped metric.Int64Counter

	// Tool metrics
	toolRuns     metric.Int64Counter
	toolDuration metric.Float64Histogram

	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("vigil")

	turnsTotal, err := meter.Int64Counter(
		"vigil.turns.total",
		metric.WithDescription("Total number of agent turns opened"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turns counter: %w", err)
	}

	turnDuration, err := meter.Float64Histogram(
		"vigil.turn.duration",
		metric.WithDescription("Agent turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn duration histogram: %w", err)
	}

	eventsApplied, err := meter.Int64Counter(
		"vigil.stream.events.total",
		metric.WithDescription("Total number of stream events applied"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}

	framesDropped, err := meter.Int64Counter(
		"vigil.stream.frames.dropped",
		metric.WithDescription("Total number of undecodable frames dropped"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped frames counter: %w", err)
	}

	toolRuns, err := meter.Int64Counter(
		"vigil.tool.runs.total",
		metric.WithDescription("Total number of tool runs surfaced in messages"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool runs counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"vigil.tool.duration",
		metric.WithDescription("Tool run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	collector := &MetricsCollector{
		meter:         meter,
		turnsTotal:    turnsTotal,
		turnDuration:  turnDuration,
		eventsApplied: eventsApplied,
		framesDropped: framesDropped,
		toolRuns:      toolRuns,
		toolDuration:  toolDuration,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server.
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordTurn records one completed (or aborted) agent turn.
func (m *MetricsCollector) RecordTurn(ctx context.Context, status string, duration time.Duration) {
	if m.turnsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.turnsTotal.Add(ctx, 1, attrs)
	m.turnDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordEvent records one applied stream event.
func (m *MetricsCollector) RecordEvent(ctx context.Context, eventType string) {
	if m.eventsApplied == nil {
		return
	}
	m.eventsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// AddFramesDropped records undecodable frames skipped by the decoder.
func (m *MetricsCollector) AddFramesDropped(ctx context.Context, n int) {
	if m.framesDropped == nil || n <= 0 {
		return
	}
	m.framesDropped.Add(ctx, int64(n))
}

// RecordToolRun records a resolved tool run.
func (m *MetricsCollector) RecordToolRun(ctx context.Context, toolName, status string, duration time.Duration) {
	if m.toolRuns == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool_name", toolName),
		attribute.String("status", status),
	)
	m.toolRuns.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
}
