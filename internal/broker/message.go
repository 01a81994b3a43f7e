package broker

import (
	"time"

	"github.com/google/uuid"

	apperrors "mingle/pkg/errors"
	"mingle/pkg/models"
)

// prepareBatch validates a batch for queue and returns detached copies with
// broker-assigned ids. Producer-supplied ids are replaced so that routed
// copies of one message never share an id.
func prepareBatch(queue string, msgs []models.Message, now time.Time) ([]models.Message, error) {
	if err := models.ValidateQueueName(queue); err != nil {
		return nil, apperrors.ErrValidation.WithCause(err)
	}

	out := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		c := msg.Clone()
		if c.Body == nil {
			c.Body = make(map[string]interface{})
		}
		if c.Properties == nil {
			c.Properties = make(map[string]interface{})
		}
		if err := models.ValidateMessage(c); err != nil {
			return nil, apperrors.ErrValidation.WithCause(err)
		}

		c.ID = uuid.NewString()
		c.Queue = queue
		c.DeliveryCount = 0
		c.LeaseID = ""
		c.Timestamp = now
		out = append(out, c)
	}
	return out, nil
}

func leaseLost(msg models.Message) error {
	return apperrors.ErrLeaseLost.
		WithDetail("message_id", msg.ID).
		WithDetail("queue", msg.Queue)
}
