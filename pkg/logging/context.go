package logging

import (
	"context"
)

type contextKey string

const (
	TraceIDKey     = "trace_id"
	MessageIDKey   = "message_id"
	ServiceNameKey = "service_name"
	QueueKey       = "queue"
	ProcessorKey   = "processor"
	GroupIDKey     = "message_group_id"
	RequestIDKey   = "request_id"
)

// orderedKeys fixes the order fields appear in log entries.
var orderedKeys = []string{TraceIDKey, RequestIDKey, MessageIDKey, QueueKey, ProcessorKey, GroupIDKey, ServiceNameKey}

func with(ctx context.Context, key, value string) context.Context {
	return context.WithValue(ctx, contextKey(key), value)
}

func get(ctx context.Context, key string) string {
	if value, ok := ctx.Value(contextKey(key)).(string); ok {
		return value
	}
	return ""
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return with(ctx, TraceIDKey, traceID)
}

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return with(ctx, MessageIDKey, messageID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return with(ctx, ServiceNameKey, serviceName)
}

func WithQueue(ctx context.Context, queue string) context.Context {
	return with(ctx, QueueKey, queue)
}

func WithProcessor(ctx context.Context, processor string) context.Context {
	return with(ctx, ProcessorKey, processor)
}

func WithGroupID(ctx context.Context, groupID string) context.Context {
	return with(ctx, GroupIDKey, groupID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return with(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return get(ctx, RequestIDKey)
}

func GetTraceID(ctx context.Context) string {
	return get(ctx, TraceIDKey)
}

func GetMessageID(ctx context.Context) string {
	return get(ctx, MessageIDKey)
}

func GetServiceName(ctx context.Context) string {
	return get(ctx, ServiceNameKey)
}

func GetQueue(ctx context.Context) string {
	return get(ctx, QueueKey)
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 2*len(orderedKeys))

	for _, key := range orderedKeys {
		if value := get(ctx, key); value != "" {
			fields = append(fields, key, value)
		}
	}

	return fields
}
