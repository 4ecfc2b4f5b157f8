package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/prohmpiriya/rentsync"

// Config holds OpenTelemetry configuration
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	CollectorAddr  string
	// FeedBackend and InstanceID identify which replica and change feed
	// produced a trace; InstanceID defaults to the hostname
	FeedBackend string
	InstanceID  string
	// SampleRatio is the share of root traces kept (default: 1.0)
	SampleRatio float64
	// MetricInterval is the export period (default: 15s)
	MetricInterval time.Duration
}

type providers struct {
	tracer   trace.Tracer
	meter    metric.Meter
	shutdown []func(context.Context) error
}

var (
	mu     sync.RWMutex
	active *providers
)

// Init installs the tracer and meter used by StartSpan and GetMeter. When
// disabled the global no-op providers are used and nothing is exported.
func Init(ctx context.Context, cfg *Config) error {
	if cfg == nil || !cfg.Enabled {
		install(&providers{
			tracer: otel.Tracer(instrumentationName),
			meter:  otel.Meter(instrumentationName),
		})
		return nil
	}

	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = 15 * time.Second
	}
	if cfg.SampleRatio <= 0 || cfg.SampleRatio > 1 {
		cfg.SampleRatio = 1
	}

	res := newResource(cfg)

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.CollectorAddr),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.CollectorAddr),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return fmt.Errorf("metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.MetricInterval))),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	install(&providers{
		tracer:   tp.Tracer(instrumentationName),
		meter:    mp.Meter(instrumentationName),
		shutdown: []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	})
	return nil
}

func install(p *providers) {
	mu.Lock()
	active = p
	mu.Unlock()
}

func current() *providers {
	mu.RLock()
	defer mu.RUnlock()
	return active
}

// newResource describes this replica. The default resource is not merged in
// because its schema URL conflicts with semconv v1.27.0.
func newResource(cfg *Config) *resource.Resource {
	instance := cfg.InstanceID
	if instance == "" {
		instance, _ = os.Hostname()
	}
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.ServiceInstanceID(instance),
		semconv.DeploymentEnvironmentNameKey.String(cfg.Environment),
		attribute.String("service.namespace", "rentsync"),
		attribute.String("rentsync.feed_backend", cfg.FeedBackend),
		semconv.TelemetrySDKLanguageGo,
	)
}

// Shutdown flushes and stops the exporters installed by Init
func Shutdown(ctx context.Context) error {
	mu.Lock()
	p := active
	active = nil
	mu.Unlock()
	if p == nil {
		return nil
	}

	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetMeter returns the meter metrics are registered on
func GetMeter() metric.Meter {
	if p := current(); p != nil {
		return p.meter
	}
	return otel.Meter(instrumentationName)
}

// StartSpan starts a span on the installed tracer
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	p := current()
	if p == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name, opts...)
}

// AddSpanEvent adds an event to the current span
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanError records an error on the current span and marks it failed
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanAttributes sets attributes on the current span
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
