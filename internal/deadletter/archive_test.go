package deadletter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mingle/internal/config"
	"mingle/pkg/models"
)

func TestNewEntry(t *testing.T) {
	msg := models.NewMessageBuilder().WithField("id", 7).WithProperty("p", "v").Build()
	msg.ID = "m-1"
	msg.Queue = "q.cards"
	msg.DeliveryCount = 3

	entry := NewEntry(msg, "history_changes", ReasonMaxDeliveries, errors.New("lock timeout"))

	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "m-1", entry.MessageID)
	assert.Equal(t, "q.cards", entry.Queue)
	assert.Equal(t, ReasonMaxDeliveries, entry.Reason)
	assert.Equal(t, "lock timeout", entry.Error)
	assert.Equal(t, 3, entry.DeliveryCount)

	entry.Body["id"] = 8
	assert.Equal(t, 7, msg.Body["id"], "entry must not share maps with the message")
}

func TestMemoryArchive_List(t *testing.T) {
	ctx := context.Background()
	archive := NewMemoryArchive()

	for i, q := range []string{"a", "b", "a"} {
		msg := models.NewMessageBuilder().WithField("n", i).Build()
		msg.Queue = q
		require.NoError(t, archive.Store(ctx, NewEntry(msg, "p", ReasonPermanent, nil)))
	}

	all, err := archive.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 2, all[0].Body["n"], "newest first")

	onlyA, err := archive.List(ctx, Filter{Queue: "a", Limit: 1})
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, 2, onlyA[0].Body["n"])
}

func TestNew(t *testing.T) {
	archive, err := New(config.DeadLetterConfig{Archive: "none"}, nil)
	require.NoError(t, err)
	assert.IsType(t, NopArchive{}, archive)

	archive, err = New(config.DeadLetterConfig{Archive: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryArchive{}, archive)

	_, err = New(config.DeadLetterConfig{Archive: "mongodb"}, nil)
	assert.Error(t, err)

	_, err = New(config.DeadLetterConfig{Archive: "s3"}, nil)
	assert.Error(t, err)
}
