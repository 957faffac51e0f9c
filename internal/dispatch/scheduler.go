package dispatch

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/invoice-reconciler/internal/domain/order"
	"github.com/xenking/invoice-reconciler/internal/domain/payment"
	"github.com/xenking/invoice-reconciler/internal/envelope"
	"github.com/xenking/invoice-reconciler/internal/queue"
)

var _ order.Scheduler = (*Scheduler)(nil)

// Scheduler starts the reconciliation of new orders.
type Scheduler struct {
	producer queue.Producer
}

// NewScheduler creates a Scheduler.
func NewScheduler(producer queue.Producer) *Scheduler {
	return &Scheduler{producer: producer}
}

// Schedule enqueues the first cycle of orderID.
func (s *Scheduler) Schedule(ctx context.Context, orderID string) error {
	return enqueue(ctx, s.producer, envelope.Envelope{
		OrderID: orderID,
		Status:  payment.Pending,
		Attempt: 1,
	})
}

// enqueue sends env with a fresh dedup key. The order id is the group key, so
// cycles of one order are delivered in sequence where the queue supports it.
func enqueue(ctx context.Context, p queue.Producer, env envelope.Envelope) error {
	body, err := envelope.Encode(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	return p.Enqueue(ctx, queue.Message{
		Body:     body,
		DedupKey: uuid.NewString(),
		GroupKey: env.OrderID,
	})
}
