package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/invoice-reconciler/internal/queue"
)

// Handler processes one delivery body.
type Handler interface {
	Handle(ctx context.Context, body []byte) error
}

// WorkerConfig tunes the poller pool.
type WorkerConfig struct {
	Concurrency   int
	HandleTimeout time.Duration
	AckTimeout    time.Duration
	ErrorBackoff  time.Duration
}

func (c *WorkerConfig) setDefaults() {
	if c.Concurrency < 1 {
		c.Concurrency = 4
	}
	if c.HandleTimeout <= 0 {
		c.HandleTimeout = 20 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
}

// Worker polls a queue with Concurrency independent pollers.
type Worker struct {
	consumer queue.Consumer
	handler  Handler
	cfg      WorkerConfig
	metrics  *metrics
}

// NewWorker creates a Worker.
func NewWorker(consumer queue.Consumer, handler Handler, mp metric.MeterProvider, cfg WorkerConfig) (*Worker, error) {
	cfg.setDefaults()
	m, err := newMetrics(mp)
	if err != nil {
		return nil, errors.Wrap(err, "metrics")
	}
	return &Worker{
		consumer: consumer,
		handler:  handler,
		cfg:      cfg,
		metrics:  m,
	}, nil
}

// Run polls until ctx is cancelled. In-flight deliveries are finished before
// it returns.
func (w *Worker) Run(ctx context.Context) error {
	zctx.From(ctx).Info("Worker started", zap.Int("concurrency", w.cfg.Concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for i := range w.cfg.Concurrency {
		g.Go(func() error {
			w.poll(zctx.With(ctx, zap.Int("poller", i)))
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) poll(ctx context.Context) {
	lg := zctx.From(ctx)
	for ctx.Err() == nil {
		deliveries, err := w.consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			lg.Warn("Receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ErrorBackoff):
			}
			continue
		}
		// A batch shares one visibility timeout, so its members run together.
		var wg sync.WaitGroup
		for _, d := range deliveries {
			wg.Go(func() { w.process(ctx, d) })
		}
		wg.Wait()
	}
}

// process handles one delivery and acknowledges it unless the failure is
// transient. Handling is not interrupted by shutdown: the delivery runs to
// completion under its own timeout.
func (w *Worker) process(ctx context.Context, d queue.Delivery) {
	ctx = zctx.With(ctx,
		zap.String("delivery_id", d.ID),
		zap.Int("receive_count", d.ReceiveCount),
	)
	lg := zctx.From(ctx)
	base := context.WithoutCancel(ctx)

	start := time.Now()
	hctx, cancel := context.WithTimeout(base, w.cfg.HandleTimeout)
	err := w.handler.Handle(hctx, d.Body)
	cancel()
	elapsed := time.Since(start).Seconds()

	if err != nil && !IsPermanent(err) {
		lg.Warn("Reconciliation failed, awaiting redelivery", zap.Error(err))
		w.metrics.delivery(ctx, deliveryRetried, elapsed)
		return
	}

	outcome := deliveryAcked
	if err != nil {
		lg.Error("Dropping message", zap.Error(err))
		outcome = deliveryDropped
	}

	actx, cancel := context.WithTimeout(base, w.cfg.AckTimeout)
	defer cancel()
	if err := w.consumer.Ack(actx, d); err != nil {
		// The delivery becomes visible again after its timeout.
		lg.Warn("Ack failed", zap.Error(err))
	}
	w.metrics.delivery(ctx, outcome, elapsed)
}
