package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mingle/pkg/models"
)

const tracerName = "mingle/queue"

// InjectMessage stores the trace context of ctx in the message properties,
// so the consumer's span continues the producer's trace. Existing trace
// properties are kept.
func InjectMessage(ctx context.Context, msg *models.Message) {
	if msg.Properties == nil {
		msg.Properties = make(map[string]interface{})
	}
	carrier := propertyCarrier(msg.Properties)
	if carrier.Get(traceParentKey) != "" {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// StartConsumerSpan starts a span for processing msg, linked to the trace
// the producer recorded in the message properties.
func StartConsumerSpan(ctx context.Context, processor string, msg models.Message) (context.Context, trace.Span) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propertyCarrier(msg.Properties))

	return otel.Tracer(tracerName).Start(ctx, "process "+msg.Queue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "mingle"),
			attribute.String("messaging.destination.name", msg.Queue),
			attribute.String("messaging.message.id", msg.ID),
			attribute.Int("messaging.message.delivery_count", msg.DeliveryCount),
			attribute.String("mingle.processor", processor),
		),
	)
}

// TraceID returns the trace id of the span in ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

const traceParentKey = "traceparent"

type propertyCarrier map[string]interface{}

func (c propertyCarrier) Get(key string) string {
	v, ok := c[key].(string)
	if !ok {
		return ""
	}
	return v
}

func (c propertyCarrier) Set(key, value string) {
	c[key] = value
}

func (c propertyCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
