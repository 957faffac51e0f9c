// Package redisq implements the queue backend on Redis Streams.
//
// Messages are appended with XADD and consumed through a consumer group.
// Deliveries left pending longer than the visibility timeout are reclaimed
// with XAUTOCLAIM, which gives the same redelivery semantics as a
// visibility-timeout queue. Deduplication uses a SET NX marker per dedup key
// that expires with the dedup window.
package redisq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/invoice-reconciler/internal/queue"
)

var (
	_ queue.Queue  = (*Queue)(nil)
	_ queue.Pinger = (*Queue)(nil)
)

const (
	fieldBody  = "body"
	fieldGroup = "group"
)

// Config holds stream settings.
type Config struct {
	Stream            string
	Group             string
	Consumer          string
	DedupWindow       time.Duration
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	BatchSize         int
}

// Queue is a Redis Streams consumer-group queue.
type Queue struct {
	rdb redis.UniversalClient
	cfg Config
}

// New creates the consumer group if needed and returns a Queue.
func New(ctx context.Context, rdb redis.UniversalClient, cfg Config) (*Queue, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.WaitTime <= 0 {
		// XREADGROUP treats BLOCK 0 as "wait forever".
		cfg.WaitTime = time.Second
	}

	err := rdb.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %q: %w", cfg.Group, err)
	}

	return &Queue{rdb: rdb, cfg: cfg}, nil
}

func (q *Queue) dedupKey(k string) string {
	return q.cfg.Stream + ":dedup:" + k
}

// Enqueue implements queue.Producer.
func (q *Queue) Enqueue(ctx context.Context, msg queue.Message) error {
	if msg.DedupKey != "" {
		fresh, err := q.rdb.SetNX(ctx, q.dedupKey(msg.DedupKey), 1, q.cfg.DedupWindow).Result()
		if err != nil {
			return fmt.Errorf("redis dedup marker: %w", err)
		}
		if !fresh {
			return nil
		}
	}

	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{
			fieldBody:  msg.Body,
			fieldGroup: msg.GroupKey,
		},
	}).Err()
	if err != nil {
		if msg.DedupKey != "" {
			// Release the marker so a retry of this enqueue is not swallowed.
			_ = q.rdb.Del(ctx, q.dedupKey(msg.DedupKey)).Err()
		}
		return fmt.Errorf("redis xadd: %w", err)
	}
	return nil
}

// Receive implements queue.Consumer. Expired pending entries are reclaimed
// first, then new entries are read with a blocking XREADGROUP.
func (q *Queue) Receive(ctx context.Context) ([]queue.Delivery, error) {
	claimed, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.VisibilityTimeout,
		Start:    "0-0",
		Count:    int64(q.cfg.BatchSize),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis xautoclaim: %w", err)
	}
	if len(claimed) > 0 {
		return q.toDeliveries(ctx, claimed, true)
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    int64(q.cfg.BatchSize),
		Block:    q.cfg.WaitTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis xreadgroup: %w", err)
	}

	var out []queue.Delivery
	for _, s := range streams {
		d, err := q.toDeliveries(ctx, s.Messages, false)
		if err != nil {
			return nil, err
		}
		out = append(out, d...)
	}
	return out, nil
}

func (q *Queue) toDeliveries(ctx context.Context, msgs []redis.XMessage, reclaimed bool) ([]queue.Delivery, error) {
	counts := make(map[string]int64, len(msgs))
	if reclaimed {
		pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: q.cfg.Stream,
			Group:  q.cfg.Group,
			Start:  msgs[0].ID,
			End:    msgs[len(msgs)-1].ID,
			Count:  int64(len(msgs)),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("redis xpending: %w", err)
		}
		for _, p := range pending {
			counts[p.ID] = p.RetryCount
		}
	}

	out := make([]queue.Delivery, 0, len(msgs))
	for _, m := range msgs {
		body, _ := m.Values[fieldBody].(string)
		count := int(counts[m.ID])
		if count == 0 {
			count = 1
		}
		out = append(out, queue.Delivery{
			ID:           m.ID,
			Body:         []byte(body),
			Receipt:      m.ID,
			ReceiveCount: count,
		})
	}
	return out, nil
}

// Ack implements queue.Consumer.
func (q *Queue) Ack(ctx context.Context, d queue.Delivery) error {
	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.Receipt)
	pipe.XDel(ctx, q.cfg.Stream, d.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis ack %s: %w", d.ID, err)
	}
	return nil
}

// Ping implements queue.Pinger.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
