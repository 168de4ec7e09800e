// Package tracing builds the OpenTelemetry tracer provider used by busd.
package tracing

import (
	"fmt"
	"io"

	"github.com/dyluth/agentbus/internal/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ServiceName is reported as service.name on every span.
const ServiceName = "busd"

// New returns a tracer provider for cfg. The stdout exporter writes each span
// to w as JSON when it ends; with the none exporter nothing is sampled.
// Callers must Shutdown the provider to flush and release it.
func New(cfg config.TraceConfig, w io.Writer, version string) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", ServiceName),
			attribute.String("service.version", version),
		)),
	}

	switch cfg.Exporter {
	case config.TraceExporterNone, "":
		opts = append(opts, sdktrace.WithSampler(sdktrace.NeverSample()))
	case config.TraceExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithSyncer(exp))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	return sdktrace.NewTracerProvider(opts...), nil
}
