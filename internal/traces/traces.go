// Package traces provides OpenTelemetry distributed tracing for the Callshield backend.
package traces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/callshield"

// Init wires the global tracer provider to an OTLP/gRPC collector.
// With no endpoint configured tracing stays off and the returned
// shutdown func does nothing. Call shutdown on server stop so buffered
// spans flush.
func Init(ctx context.Context, otlpEndpoint string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("callshield"),
		semconv.ServiceVersion("0.1.0"),
	))
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan opens a span under the service tracer with its attributes
// attached at start.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	var opts []trace.SpanStartOption
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// Span attribute constructors. Keys stay stable so dashboards can
// filter on them.

func SessionID(id string) attribute.KeyValue {
	return attribute.String("session.id", id)
}

func Provider(name string) attribute.KeyValue {
	return attribute.String("provider.name", name)
}

func RiskLevel(level string) attribute.KeyValue {
	return attribute.String("risk.level", level)
}

// PhoneHash tags a span with a short digest of the phone number.
// The raw number never appears in trace attributes.
func PhoneHash(number string) attribute.KeyValue {
	h := sha256.Sum256([]byte(number))
	return attribute.String("phone.hash", hex.EncodeToString(h[:6]))
}
