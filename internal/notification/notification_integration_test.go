//go:build integration

package notification

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mingle/internal/config"
	"mingle/internal/constants"
	"mingle/internal/history"
	"mingle/internal/logger"
	"mingle/internal/testutil"
)

func TestRedisGuard_ClaimOnce(t *testing.T) {
	ctx := context.Background()
	client := testutil.Redis(t)
	guard := NewRedisGuard(client, config.CircuitBreakerConfig{Enabled: true}, constants.FallbackDeny, logger.NopLogger())

	ok, err := guard.Claim(ctx, ClaimKey(1), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = guard.Claim(ctx, ClaimKey(1), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := client.TTL(ctx, ClaimKey(1)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, guard.Release(ctx, ClaimKey(1)))
	ok, err = guard.Claim(ctx, ClaimKey(1), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKafkaSink_Publish(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	brokers := testutil.Kafka(t)
	topic := "mingle.notifications.test"
	sink := NewKafkaSink(config.KafkaConfig{Brokers: brokers, Topic: topic})
	defer sink.Close()

	newValue := "done"
	n := Notification{
		EventID:    5,
		ProjectID:  1,
		EntityType: history.EntityCard,
		EntityID:   9,
		Version:    3,
		Changes:    []history.Change{{Field: "status", NewValue: &newValue}},
	}

	// The first write can race topic auto-creation.
	var err error
	for i := 0; i < 10; i++ {
		if err = sink.Publish(ctx, n); err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	require.NoError(t, err)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		MaxWait: time.Second,
	})
	defer reader.Close()

	m, err := reader.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", string(m.Key))

	var got Notification
	require.NoError(t, json.Unmarshal(m.Value, &got))
	assert.Equal(t, n.EventID, got.EventID)
	require.Len(t, got.Changes, 1)
	assert.Equal(t, "done", *got.Changes[0].NewValue)
}
