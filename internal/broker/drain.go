package broker

import (
	"context"

	"mingle/pkg/models"
)

const drainBatch = 100

// Drain receives and acknowledges messages from queue until nothing is
// visible, returning them in delivery order.
func Drain(ctx context.Context, gw Gateway, queue string) ([]models.Message, error) {
	var out []models.Message
	for {
		batch, err := gw.ReceiveBatch(ctx, queue, drainBatch)
		if err != nil {
			return out, err
		}
		if len(batch) == 0 {
			return out, nil
		}
		for _, msg := range batch {
			if err := gw.Ack(ctx, msg); err != nil {
				return out, err
			}
			out = append(out, msg)
		}
	}
}
