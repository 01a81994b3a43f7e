//go:build integration

package deadletter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mingle/internal/testutil"
	"mingle/pkg/migrations"
	"mingle/pkg/models"
)

func TestMongoArchive(t *testing.T) {
	db := testutil.Mongo(t)
	ctx := context.Background()

	require.NoError(t, migrations.EnsureDeadLetterCollection(ctx, db, "dead_letters"))
	archive := NewMongoArchive(db, "dead_letters")

	for _, q := range []string{"q.one", "q.two"} {
		msg := models.NewMessageBuilder().WithField("id", "x").WithProperty("type", "card").Build()
		msg.ID = "id-" + q
		msg.Queue = q
		require.NoError(t, archive.Store(ctx, NewEntry(msg, "reindex", ReasonPermanent, nil)))
	}

	entries, err := archive.List(ctx, Filter{Queue: "q.two"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "id-q.two", entries[0].MessageID)
	assert.Equal(t, "x", entries[0].Body["id"])
	assert.Equal(t, "card", entries[0].Properties["type"])

	all, err := archive.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
