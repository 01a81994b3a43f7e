//go:build integration

package derived

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mingle/internal/broker"
	"mingle/internal/history"
	"mingle/internal/logger"
	"mingle/internal/testutil"
	"mingle/pkg/retry"
)

func TestPostgresDerived_IndexAndAggregate(t *testing.T) {
	ctx := context.Background()
	db, dsn := testutil.Postgres(t)
	gw, err := broker.NewPostgresGateway(ctx, broker.PostgresOpener(dsn, 10, 5), broker.PostgresGatewayConfig{
		LeaseDuration: time.Minute,
		Reconnect:     retry.Policy{MaxAttempts: 3, InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, Multiplier: 2},
	}, logger.NopLogger())
	require.NoError(t, err)
	defer gw.Close()

	repo := history.NewRepository(gw)
	seed(t, repo,
		cardSnapshot(1, 10, 1, map[string]string{"name": "Login form", "status": "open"}),
		cardSnapshot(1, 11, 1, map[string]string{"name": "Logout", "status": "open"}),
	)

	indexer := NewIndexer(gw, repo)
	require.IsType(t, &PostgresIndexer{}, indexer)

	tx, err := gw.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, indexer.Index(ctx, tx, history.EntityCard, []int64{10, 11, 12}))
	require.NoError(t, tx.Commit())

	var matches int
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM search_documents
		WHERE entity_type = 'card' AND document @@ plainto_tsquery('simple', 'login')
	`).Scan(&matches))
	assert.Equal(t, 1, matches)

	aggregator := NewAggregator(gw, repo)
	tx, err = gw.Begin(ctx)
	require.NoError(t, err)
	_, err = aggregator.Recompute(ctx, tx, 1)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	aggs, err := aggregator.Aggregates(ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, aggs, Aggregate{Field: "status", Value: "open", Count: 2})
	assert.Len(t, aggs, 3)
}
