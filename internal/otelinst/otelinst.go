// Package otelinst wires OpenTelemetry tracing and metrics around the
// orchestration tick and vendor calls. When disabled it hands back no-op
// providers so callers never branch on whether telemetry is on.
package otelinst

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "roboserve"
	MeterName  = "roboserve"
)

// Config controls whether telemetry is collected and where it goes.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Provider wraps the tracer/meter providers with a single shutdown hook.
type Provider struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	shutdown func(context.Context) error
}

// Init sets up tracing and metrics. A disabled config returns working
// no-op instruments, never nil ones.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:   nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:    noop.NewMeterProvider().Meter(MeterName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "roboserve"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		Tracer: tp.Tracer(TracerName),
		Meter:  mp.Meter(MeterName),
		shutdown: func(ctx context.Context) error {
			if err := tp.Shutdown(ctx); err != nil {
				return err
			}
			return mp.Shutdown(ctx)
		},
	}, nil
}

// Shutdown flushes and tears down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return &noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

type noopExporter struct{}

func (e *noopExporter) ExportSpans(_ context.Context, _ []sdktrace.ReadOnlySpan) error { return nil }
func (e *noopExporter) Shutdown(_ context.Context) error                              { return nil }

// Span attribute keys used across tick and vendor instrumentation.
var (
	AttrRunID      = attribute.Key("roboserve.run.id")
	AttrTaskID     = attribute.Key("roboserve.task.id")
	AttrRobotID    = attribute.Key("roboserve.robot.id")
	AttrVendorCall = attribute.Key("roboserve.vendor.call")
)

// StartClientSpan starts a span for an outbound vendor HTTP call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindClient))
}

// StartInternalSpan starts a span for an internal operation (a tick).
func StartInternalSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindInternal))
}

// Metrics holds the instruments the orchestrator and vendor client record
// against.
type Metrics struct {
	TickDuration       metric.Float64Histogram
	TickAssignments    metric.Int64Counter
	TickAdvances       metric.Int64Counter
	VendorCallDuration metric.Float64Histogram
	VendorCallErrors   metric.Int64Counter
	VendorBreakerTrips metric.Int64Counter
}

// NewMetrics creates all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TickDuration, err = meter.Float64Histogram("roboserve.tick.duration",
		metric.WithDescription("Orchestration tick duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.TickAssignments, err = meter.Int64Counter("roboserve.tick.assignments",
		metric.WithDescription("Tasks assigned per tick")); err != nil {
		return nil, err
	}
	if m.TickAdvances, err = meter.Int64Counter("roboserve.tick.advances",
		metric.WithDescription("Workflow runs advanced per tick")); err != nil {
		return nil, err
	}
	if m.VendorCallDuration, err = meter.Float64Histogram("roboserve.vendor.call.duration",
		metric.WithDescription("Vendor API call duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.VendorCallErrors, err = meter.Int64Counter("roboserve.vendor.call.errors",
		metric.WithDescription("Vendor API call error count")); err != nil {
		return nil, err
	}
	if m.VendorBreakerTrips, err = meter.Int64Counter("roboserve.vendor.breaker.trips",
		metric.WithDescription("Vendor circuit breaker trip count")); err != nil {
		return nil, err
	}
	return m, nil
}
