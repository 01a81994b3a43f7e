package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetLogFields(ctx))

	ctx = WithServiceName(ctx, "worker-service")
	ctx = WithQueue(ctx, "mingle.indexing.cards")
	ctx = WithMessageID(ctx, "m-1")
	ctx = WithTraceID(ctx, "t-1")

	assert.Equal(t, []interface{}{
		"trace_id", "t-1",
		"message_id", "m-1",
		"queue", "mingle.indexing.cards",
		"service_name", "worker-service",
	}, GetLogFields(ctx))

	assert.Equal(t, "m-1", GetMessageID(ctx))
	assert.Equal(t, "mingle.indexing.cards", GetQueue(ctx))
}

func TestContextKeysDoNotCollideWithPlainStrings(t *testing.T) {
	ctx := context.WithValue(context.Background(), "trace_id", "foreign") //nolint:staticcheck
	assert.Equal(t, "", GetTraceID(ctx))
}
