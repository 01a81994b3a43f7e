package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"

	"mingle/internal/config"
)

const serviceNamespace = "mingle"

// Service identifies the process in exported spans.
type Service struct {
	Name   string
	Role   string
	Broker string
}

type TracerProvider struct {
	tp *sdktrace.TracerProvider
}

func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

// Init installs the W3C propagators and, when tracing is enabled, an OTLP
// exporting provider. Propagation is on even when export is off, so a
// worker relays the trace context of the messages it forwards.
func Init(cfg config.TracingConfig, svc Service) (*TracerProvider, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		return &TracerProvider{tp: sdktrace.NewTracerProvider()}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithHost(),
		resource.WithProcessPID(),
		resource.WithAttributes(serviceAttributes(cfg, svc)...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLP.Endpoint),
	}
	if cfg.OTLP.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(createSampler(cfg.Sampler)),
	)
	otel.SetTracerProvider(tp)

	return &TracerProvider{tp: tp}, nil
}

// serviceAttributes prefers the configured service name over the binary's.
func serviceAttributes(cfg config.TracingConfig, svc Service) []attribute.KeyValue {
	name := cfg.ServiceName
	if name == "" {
		name = svc.Name
	}
	if name == "" {
		name = serviceNamespace
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceNamespace(serviceNamespace),
	}
	if svc.Role != "" {
		attrs = append(attrs, attribute.String("mingle.role", svc.Role))
	}
	if svc.Broker != "" {
		attrs = append(attrs, attribute.String("mingle.broker", svc.Broker))
	}
	return attrs
}

// createSampler keeps the root decision with the producer: spans of a
// consumed message follow the sampling of the trace that enqueued it.
func createSampler(cfg config.SamplerConfig) sdktrace.Sampler {
	switch cfg.Type {
	case "always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case "traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Param))
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}
