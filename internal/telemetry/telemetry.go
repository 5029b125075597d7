// Package telemetry installs the OpenTelemetry tracer provider behind the
// spans the firmware packages start.
package telemetry

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceName = "fvtool"

type Options struct {
	// Endpoint is an OTLP/gRPC collector address. Tracing stays disabled
	// when it is empty and no Exporter is given.
	Endpoint string
	Insecure bool
	// Exporter replaces the OTLP exporter.
	Exporter sdktrace.SpanExporter
	Log      logr.Logger
}

// Setup registers a global tracer provider and returns the function that
// flushes and stops it.
func Setup(ctx context.Context, o Options) (func(context.Context) error, error) {
	exp := o.Exporter
	if exp == nil {
		if o.Endpoint == "" {
			return func(context.Context) error { return nil }, nil
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
		if o.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		var err error
		exp, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp exporter: %w", err)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName))),
	)
	otel.SetTracerProvider(tp)
	o.Log.V(1).Info("tracing enabled", "endpoint", o.Endpoint)

	return tp.Shutdown, nil
}
