package broker

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "mingle/pkg/errors"
	"mingle/pkg/models"
)

// testQueue returns a queue name no other test uses.
func testQueue(prefix string) string {
	return fmt.Sprintf("test.%s_%s", prefix, strings.ReplaceAll(uuid.NewString()[:8], "-", ""))
}

func bodyOf(key string, v interface{}) models.Message {
	return models.NewMessageBuilder().WithField(key, v).Build()
}

func bodies(msgs []models.Message, key string) []interface{} {
	out := make([]interface{}, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body[key]
	}
	return out
}

// runGatewayContract exercises the behavior every Gateway implementation shares.
func runGatewayContract(t *testing.T, newGateway func(t *testing.T) Gateway) {
	t.Run("drain preserves send order", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()
		q := testQueue("fifo")

		require.NoError(t, gw.Send(ctx, q, bodyOf("m", 1)))
		require.NoError(t, gw.Send(ctx, q, bodyOf("m", 2)))

		got, err := Drain(ctx, gw, q)
		require.NoError(t, err)
		assert.Equal(t, []interface{}{float64(1), float64(2)}, normalize(bodies(got, "m")))

		size, err := gw.Size(ctx, q)
		require.NoError(t, err)
		assert.Zero(t, size)
	})

	t.Run("no loss across batches", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()
		q := testQueue("noloss")

		const n = 25
		for i := 0; i < n; i++ {
			require.NoError(t, gw.Send(ctx, q, bodyOf("n", i)))
		}

		seen := make(map[string]int)
		for {
			batch, err := gw.ReceiveBatch(ctx, q, 7)
			require.NoError(t, err)
			if len(batch) == 0 {
				break
			}
			for _, msg := range batch {
				seen[msg.ID]++
				require.NoError(t, gw.Ack(ctx, msg))
			}
		}

		assert.Len(t, seen, n)
		for id, count := range seen {
			assert.Equal(t, 1, count, "message %s observed more than once", id)
		}
	})

	t.Run("send assigns fresh ids", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()
		q := testQueue("ids")

		msg := bodyOf("a", 1)
		msg.ID = "producer-id"
		require.NoError(t, gw.Send(ctx, q, msg, msg))

		got, err := Drain(ctx, gw, q)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.NotEqual(t, "producer-id", got[0].ID)
		assert.NotEqual(t, got[0].ID, got[1].ID)
		assert.Equal(t, q, got[0].Queue)
	})

	t.Run("leased messages are invisible until nacked", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()
		q := testQueue("lease")

		require.NoError(t, gw.Send(ctx, q, bodyOf("a", 1)))

		first, err := gw.ReceiveBatch(ctx, q, 10)
		require.NoError(t, err)
		require.Len(t, first, 1)
		assert.Equal(t, 1, first[0].DeliveryCount)
		assert.NotEmpty(t, first[0].LeaseID)

		none, err := gw.ReceiveBatch(ctx, q, 10)
		require.NoError(t, err)
		assert.Empty(t, none)

		size, err := gw.Size(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, 1, size, "leased messages still count towards size")

		require.NoError(t, gw.Nack(ctx, first[0], 0))

		again, err := gw.ReceiveBatch(ctx, q, 10)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, first[0].ID, again[0].ID)
		assert.Equal(t, 2, again[0].DeliveryCount)
	})

	t.Run("ack with a stale lease fails", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()
		q := testQueue("stale")

		require.NoError(t, gw.Send(ctx, q, bodyOf("a", 1)))

		first, err := gw.ReceiveBatch(ctx, q, 1)
		require.NoError(t, err)
		require.Len(t, first, 1)
		require.NoError(t, gw.Nack(ctx, first[0], 0))

		second, err := gw.ReceiveBatch(ctx, q, 1)
		require.NoError(t, err)
		require.Len(t, second, 1)

		err = gw.Ack(ctx, first[0])
		require.Error(t, err)
		assert.True(t, apperrors.IsLeaseLost(err))
		assert.Equal(t, apperrors.ClassTransient, apperrors.Classify(err))

		require.NoError(t, gw.Ack(ctx, second[0]))
	})

	t.Run("transaction commit applies sends and acks together", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()
		in := testQueue("in")
		out := testQueue("out")

		require.NoError(t, gw.Send(ctx, in, bodyOf("a", 1)))
		batch, err := gw.ReceiveBatch(ctx, in, 1)
		require.NoError(t, err)
		require.Len(t, batch, 1)

		tx, err := gw.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Send(ctx, out, bodyOf("b", 2)))
		require.NoError(t, tx.Ack(ctx, batch[0]))

		size, err := gw.Size(ctx, out)
		require.NoError(t, err)
		assert.Zero(t, size, "uncommitted sends are invisible")

		committed := false
		tx.OnCommit(func() { committed = true })
		require.NoError(t, tx.Commit())
		assert.True(t, committed)

		inSize, err := gw.Size(ctx, in)
		require.NoError(t, err)
		outSize, err := gw.Size(ctx, out)
		require.NoError(t, err)
		assert.Zero(t, inSize)
		assert.Equal(t, 1, outSize)
	})

	t.Run("transaction rollback discards sends and acks", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()
		in := testQueue("in")
		out := testQueue("out")

		require.NoError(t, gw.Send(ctx, in, bodyOf("a", 1)))
		batch, err := gw.ReceiveBatch(ctx, in, 1)
		require.NoError(t, err)
		require.Len(t, batch, 1)

		tx, err := gw.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Send(ctx, out, bodyOf("b", 2)))
		require.NoError(t, tx.Ack(ctx, batch[0]))

		rolledBack := false
		tx.OnRollback(func() { rolledBack = true })
		require.NoError(t, tx.Rollback())
		require.NoError(t, tx.Rollback())
		assert.True(t, rolledBack)

		inSize, err := gw.Size(ctx, in)
		require.NoError(t, err)
		outSize, err := gw.Size(ctx, out)
		require.NoError(t, err)
		assert.Equal(t, 1, inSize)
		assert.Zero(t, outSize)

		assert.Error(t, tx.Commit())
	})

	t.Run("browse filters by selector without consuming", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()
		q := testQueue("browse")

		red := models.NewMessageBuilder().WithField("n", 1).WithProperty("color", "red").WithProperty("weight", 3).Build()
		blue := models.NewMessageBuilder().WithField("n", 2).WithProperty("color", "blue").WithProperty("weight", 7).Build()
		require.NoError(t, gw.Send(ctx, q, red, blue))

		got, err := gw.Browse(ctx, q, "color = 'red'")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "red", got[0].StringProperty("color"))

		got, err = gw.Browse(ctx, q, "weight > 5 AND color <> 'red'")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "blue", got[0].StringProperty("color"))

		got, err = gw.Browse(ctx, q, "missing IS NULL")
		require.NoError(t, err)
		assert.Len(t, got, 2)

		all, err := gw.Browse(ctx, q, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		_, err = gw.Browse(ctx, q, "color = ")
		assert.Error(t, err)

		size, err := gw.Size(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, 2, size)
	})

	t.Run("count by property sees uncommitted work inside the transaction", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()
		q := testQueue("count")
		group := uuid.NewString()

		tagged := models.NewMessageBuilder().WithField("n", 1).WithGroup(group).Build()
		require.NoError(t, gw.Send(ctx, q, tagged, tagged))

		n, err := gw.CountByProperty(ctx, models.PropertyMessageGroupID, group)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		batch, err := gw.ReceiveBatch(ctx, q, 1)
		require.NoError(t, err)
		require.Len(t, batch, 1)

		tx, err := gw.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()

		require.NoError(t, tx.Ack(ctx, batch[0]))
		n, err = tx.CountByProperty(ctx, models.PropertyMessageGroupID, group)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("send rejects invalid queue names", func(t *testing.T) {
		gw := newGateway(t)
		err := gw.Send(context.Background(), "Bad Queue", bodyOf("a", 1))
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}

// normalize maps numeric values to float64 so memory and JSON round-tripped
// bodies compare equal.
func normalize(values []interface{}) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		switch n := v.(type) {
		case int:
			out[i] = float64(n)
		case int64:
			out[i] = float64(n)
		default:
			out[i] = v
		}
	}
	return out
}
