package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// scope names the instrumentation library on every migration span.
const scope = "github.com/GoCodeAlone/onlinemigrate"

// Config is the tracing section of the CLI configuration.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	// Headers are sent with every export, e.g. a collector API key.
	Headers        map[string]string `yaml:"headers,omitempty"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Insecure       bool              `yaml:"insecure"`
	// SampleRate applies to runs without a sampled parent. Anything outside
	// (0,1) records every run.
	SampleRate float64 `yaml:"sample_rate"`
}

// DefaultConfig points at a collector on localhost and samples every run.
func DefaultConfig() Config {
	return Config{
		Endpoint:    "localhost:4318",
		ServiceName: "onlinemigrate",
		Insecure:    true,
		SampleRate:  1.0,
	}
}

func (c Config) exporterOptions() []otlptracehttp.Option {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(c.Endpoint)}
	if c.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(c.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(c.Headers))
	}
	return opts
}

func (c Config) sampler() sdktrace.Sampler {
	if c.SampleRate > 0 && c.SampleRate < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRate))
	}
	return sdktrace.AlwaysSample()
}

func (c Config) resource(ctx context.Context) (*resource.Resource, error) {
	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceNameKey.String(c.ServiceName)),
	}
	if c.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersionKey.String(c.ServiceVersion)))
	}
	return resource.New(ctx, attrs...)
}

// Provider exports the spans of one CLI invocation.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider starts an OTLP/HTTP exporter for cfg and registers the
// provider globally, so NewMigrationTracer(nil) picks it up too.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	exporter, err := otlptracehttp.New(ctx, cfg.exporterOptions()...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter for %s: %w", cfg.Endpoint, err)
	}
	res, err := cfg.resource(ctx)
	if err != nil {
		return nil, fmt.Errorf("describe trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Tracer returns the tracer migration spans are started from.
func (p *Provider) Tracer() trace.Tracer {
	return p.tp.Tracer(scope)
}

// Shutdown flushes the spans of the run. Call it before the process exits.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
