package router

import (
	"context"

	"mingle/internal/broker"
	"mingle/pkg/metrics"
	"mingle/pkg/models"
	"mingle/pkg/tracing"
)

// Gateway applies a Router to every send made through it, both in
// autocommit mode and inside transactions. All other operations address
// physical queues and pass through unchanged.
type Gateway struct {
	broker.Gateway
	router *Router
}

func NewGateway(inner broker.Gateway, router *Router) *Gateway {
	return &Gateway{Gateway: inner, router: router}
}

func (g *Gateway) Router() *Router {
	return g.router
}

func (g *Gateway) Unwrap() broker.Gateway {
	return g.Gateway
}

// Send delivers msgs to every destination of queue. A fan-out to several
// queues is committed as one transaction.
func (g *Gateway) Send(ctx context.Context, queue string, msgs ...models.Message) error {
	dests := g.router.Destinations(queue)
	if len(dests) == 1 {
		if err := g.Gateway.Send(ctx, dests[0], stamp(ctx, msgs)...); err != nil {
			return err
		}
		metrics.AddMessagesSent(dests[0], len(msgs))
		return nil
	}

	tx, err := g.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.Send(ctx, queue, msgs...); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (g *Gateway) Begin(ctx context.Context) (broker.Tx, error) {
	tx, err := g.Gateway.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &routedTx{Tx: tx, router: g.router}, nil
}

type routedTx struct {
	broker.Tx
	router *Router
}

func (t *routedTx) Send(ctx context.Context, queue string, msgs ...models.Message) error {
	for _, dest := range t.router.Destinations(queue) {
		copies := stamp(ctx, msgs)
		if err := t.Tx.Send(ctx, dest, copies...); err != nil {
			return err
		}

		n := len(copies)
		t.OnCommit(func() { metrics.AddMessagesSent(dest, n) })
	}
	return nil
}

// stamp returns deep copies of msgs carrying the caller's trace context.
// Each destination gets its own copies; the broker assigns ids.
func stamp(ctx context.Context, msgs []models.Message) []models.Message {
	copies := make([]models.Message, len(msgs))
	for i, msg := range msgs {
		copies[i] = msg.Clone()
		tracing.InjectMessage(ctx, &copies[i])
	}
	return copies
}
