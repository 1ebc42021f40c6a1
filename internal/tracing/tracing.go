// Package tracing configures OpenTelemetry span export for trading cycles.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/soyeahso/tradesim/internal/version"
)

// InstrumentationName scopes every tracer created by this module.
const InstrumentationName = "github.com/soyeahso/tradesim"

// Provider owns the process tracer provider. Shutdown flushes pending spans.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Setup installs a global tracer provider for the given exporter.
// "none" leaves the default no-op provider in place.
func Setup(ctx context.Context, exporter, serviceName string) (*Provider, error) {
	return setup(ctx, exporter, serviceName, os.Stdout)
}

func setup(ctx context.Context, exporter, serviceName string, w io.Writer) (*Provider, error) {
	switch exporter {
	case "", "none":
		return &Provider{}, nil
	case "stdout":
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", exporter)
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("stdout exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns a tracer from the global provider.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(InstrumentationName + "/" + component)
}
