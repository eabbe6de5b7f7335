// Package tracing provides the OTel tracer used by the link, the dispatcher
// and the reconciliation engine.
//
// Spans are dropped until Init installs an exporter.
package tracing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceName is reported when Config.ServiceName is empty.
const DefaultServiceName = "fwagent"

// Config selects the OTLP/HTTP collector spans are exported to.
type Config struct {
	// Endpoint is the collector address, with or without an http(s) scheme.
	// Empty disables export.
	Endpoint    string
	ServiceName string
	// Insecure sends spans over plain HTTP. An https:// endpoint always uses TLS.
	Insecure bool
}

var (
	mu          sync.RWMutex
	provider    trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider *sdktrace.TracerProvider
)

// Init installs the exporter described by cfg and makes it the global
// provider. Calling it again replaces the previous exporter after flushing it.
func Init(ctx context.Context, cfg Config) error {
	if cfg.Endpoint == "" {
		return nil
	}
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpointHost(cfg.Endpoint))}
	if cfg.Insecure && !strings.HasPrefix(cfg.Endpoint, "https://") {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		res = resource.Default()
	}
	next := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	mu.Lock()
	prev := sdkProvider
	sdkProvider = next
	provider = next
	mu.Unlock()
	otel.SetTracerProvider(next)

	if prev != nil {
		_ = prev.Shutdown(ctx)
	}
	return nil
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op until Init installs an exporter.
func Tracer(name string) trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return provider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	p := sdkProvider
	sdkProvider = nil
	provider = noop.NewTracerProvider()
	mu.Unlock()
	if p != nil {
		return p.Shutdown(ctx)
	}
	return nil
}
