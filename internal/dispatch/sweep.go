package dispatch

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/invoice-reconciler/internal/domain/order"
)

// Sweep re-schedules orders left in CREATED for longer than olderThan, at
// most limit of them (all of them when limit <= 0). Such orders were stored but their first envelope was
// never enqueued. An order that still has an envelope in flight only gets a
// redundant cycle; its status writes stay guarded.
func Sweep(ctx context.Context, orders order.Repository, s order.Scheduler, olderThan time.Duration, limit int) (int, error) {
	lg := zctx.From(ctx)

	stale, err := orders.ListStale(ctx, order.StatusCreated, time.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, errors.Wrap(err, "list stale orders")
	}

	scheduled := 0
	for _, o := range stale {
		if err := s.Schedule(ctx, o.ID); err != nil {
			return scheduled, errors.Wrapf(err, "schedule %s", o.ID)
		}
		scheduled++
		lg.Info("Order rescheduled",
			zap.String("order_id", o.ID),
			zap.Time("created_at", o.CreatedAt),
		)
	}
	return scheduled, nil
}
