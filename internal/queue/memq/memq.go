// Package memq is an in-process queue backend with the same delivery
// semantics as the networked backends: dedup window, per-group FIFO and
// visibility-timeout redelivery. It is used for local runs and tests.
package memq

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/invoice-reconciler/internal/queue"
)

// ErrUnknownReceipt is returned by Ack for a receipt that is no longer
// current, e.g. because the delivery timed out and was handed out again.
var ErrUnknownReceipt = errors.New("unknown or expired receipt")

var _ queue.Queue = (*Queue)(nil)

// Options configures the queue.
type Options struct {
	DedupWindow       time.Duration
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	BatchSize         int
	PollInterval      time.Duration
}

func (o *Options) setDefaults() {
	if o.DedupWindow <= 0 {
		o.DedupWindow = 5 * time.Minute
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.WaitTime <= 0 {
		o.WaitTime = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
}

type item struct {
	id           string
	body         []byte
	group        string
	receipt      string
	visibleAt    time.Time
	receiveCount int
}

// Queue is safe for concurrent use.
type Queue struct {
	opts Options
	now  func() time.Time

	mu     sync.Mutex
	items  []*item
	seen   map[string]time.Time // dedup key -> expiry
	nextID uint64
	signal chan struct{}
}

// New creates an empty queue.
func New(opts Options) *Queue {
	opts.setDefaults()
	return &Queue{
		opts:   opts,
		now:    time.Now,
		seen:   make(map[string]time.Time),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue implements queue.Producer. A message whose DedupKey was enqueued
// within the dedup window is silently dropped.
func (q *Queue) Enqueue(ctx context.Context, msg queue.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for k, exp := range q.seen {
		if !now.Before(exp) {
			delete(q.seen, k)
		}
	}
	if msg.DedupKey != "" {
		if _, dup := q.seen[msg.DedupKey]; dup {
			return nil
		}
		q.seen[msg.DedupKey] = now.Add(q.opts.DedupWindow)
	}

	q.nextID++
	q.items = append(q.items, &item{
		id:        strconv.FormatUint(q.nextID, 10),
		body:      append([]byte(nil), msg.Body...),
		group:     msg.GroupKey,
		visibleAt: now,
	})

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Receive implements queue.Consumer. It waits up to WaitTime for visible
// messages and returns at most BatchSize of them.
func (q *Queue) Receive(ctx context.Context) ([]queue.Delivery, error) {
	deadline := time.Now().Add(q.opts.WaitTime)
	for {
		if out := q.take(); len(out) > 0 {
			return out, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(min(remaining, q.opts.PollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.signal:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// take hands out the oldest visible message of every group that has nothing
// in flight.
func (q *Queue) take() []queue.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	blocked := make(map[string]struct{})
	var out []queue.Delivery
	for _, it := range q.items {
		if len(out) >= q.opts.BatchSize {
			break
		}
		if _, ok := blocked[it.group]; ok {
			continue
		}
		if now.Before(it.visibleAt) {
			// In flight: later messages of the same group wait behind it.
			blocked[it.group] = struct{}{}
			continue
		}
		blocked[it.group] = struct{}{}

		it.receipt = uuid.New().String()
		it.visibleAt = now.Add(q.opts.VisibilityTimeout)
		it.receiveCount++
		out = append(out, queue.Delivery{
			ID:           it.id,
			Body:         append([]byte(nil), it.body...),
			Receipt:      it.receipt,
			ReceiveCount: it.receiveCount,
		})
	}
	return out
}

// Ack implements queue.Consumer.
func (q *Queue) Ack(_ context.Context, d queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range q.items {
		if it.receipt != "" && it.receipt == d.Receipt {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return nil
		}
	}
	return errors.Wrapf(ErrUnknownReceipt, "delivery %s", d.ID)
}

// Len returns the number of messages not yet acknowledged.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ping implements queue.Pinger.
func (q *Queue) Ping(context.Context) error { return nil }
