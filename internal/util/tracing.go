package util

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const serviceNamespace = "marketplace"

var tracer trace.Tracer

// InitTracer wires OpenTelemetry to a Jaeger collector and registers the
// provider globally. Sampling is parent-based so the service honors upstream
// sampling decisions and samples everything it originates itself. Callers own
// the returned provider and must Shutdown it on exit to flush in-flight
// spans.
func InitTracer(serviceName, jaegerEndpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceNamespace(serviceNamespace),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(serviceName)

	GetLogger().Info("Tracing initialized",
		zap.String("service", serviceName),
		zap.String("collector", jaegerEndpoint))
	return tp, nil
}

// GetTracer returns the registered tracer, or a no-op-backed one when
// InitTracer was never called.
func GetTracer() trace.Tracer {
	if tracer == nil {
		tracer = otel.Tracer("giftmarket")
	}
	return tracer
}

// StartSpan opens a span on the service tracer.
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	return GetTracer().Start(ctx, spanName)
}
