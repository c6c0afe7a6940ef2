// ABOUTME: OpenTelemetry tracing for drctl; spans cover session checks, refreshes and status requests
// ABOUTME: Spans are batched and flushed when the command exits

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// commands are short lived, so spans are exported sooner than the SDK default
const batchTimeout = 2 * time.Second

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // collector base URL, e.g. http://localhost:4318
	Enabled        bool
	SampleRatio    float64
}

// ShutdownFunc flushes pending spans and stops the provider
type ShutdownFunc func(context.Context) error

// InitProvider installs a global tracer provider exporting over OTLP/HTTP.
// When disabled the global no-op provider stays in place.
func InitProvider(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	endpoint, err := url.Parse(cfg.OTLPEndpoint)
	if err != nil || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid OTLP endpoint %q", cfg.OTLPEndpoint)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint.JoinPath("v1", "traces").String())}
	if endpoint.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil && !errors.Is(err, resource.ErrSchemaURLConflict) {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		if err := provider.ForceFlush(ctx); err != nil {
			return errors.Join(err, provider.Shutdown(ctx))
		}
		return provider.Shutdown(ctx)
	}, nil
}
