package otel

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Setup initialises OpenTelemetry tracing for the given service.
//
// Tracing is opt-in: when endpoint is empty Setup returns the global provider and a
// no-op shutdown function, and registers nothing. Otherwise spans are batched to the
// OTLP/HTTP endpoint and the provider is also installed globally with the W3C trace
// context propagator.
func Setup(ctx context.Context, serviceName, endpoint string) (trace.TracerProvider, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return otel.GetTracerProvider(), noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return nil, noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, tp.Shutdown, nil
}
