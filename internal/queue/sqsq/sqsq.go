// Package sqsq implements the queue backend on Amazon SQS.
package sqsq

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/xenking/invoice-reconciler/internal/queue"
)

var (
	_ queue.Queue  = (*Queue)(nil)
	_ queue.Pinger = (*Queue)(nil)
)

// API is the subset of the SQS client used by Queue.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Config holds queue settings.
type Config struct {
	URL               string
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	BatchSize         int
}

// Queue sends to and receives from a single SQS queue. FIFO queues (URL
// ending in ".fifo") get MessageDeduplicationId and MessageGroupId; standard
// queues rely on the idempotent consumer instead.
type Queue struct {
	api  API
	cfg  Config
	fifo bool
}

// New creates a Queue.
func New(api API, cfg Config) *Queue {
	if cfg.BatchSize <= 0 || cfg.BatchSize > 10 {
		cfg.BatchSize = 10
	}
	return &Queue{
		api:  api,
		cfg:  cfg,
		fifo: strings.HasSuffix(cfg.URL, ".fifo"),
	}
}

// Enqueue implements queue.Producer.
func (q *Queue) Enqueue(ctx context.Context, msg queue.Message) error {
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.cfg.URL),
		MessageBody: aws.String(string(msg.Body)),
	}
	if q.fifo {
		in.MessageDeduplicationId = aws.String(msg.DedupKey)
		in.MessageGroupId = aws.String(msg.GroupKey)
	}
	if _, err := q.api.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}

// Receive implements queue.Consumer using long polling.
func (q *Queue) Receive(ctx context.Context) ([]queue.Delivery, error) {
	out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.cfg.URL),
		MaxNumberOfMessages: int32(q.cfg.BatchSize),
		WaitTimeSeconds:     int32(q.cfg.WaitTime / time.Second),
		VisibilityTimeout:   int32(q.cfg.VisibilityTimeout / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	deliveries := make([]queue.Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		deliveries = append(deliveries, queue.Delivery{
			ID:           aws.ToString(m.MessageId),
			Body:         []byte(aws.ToString(m.Body)),
			Receipt:      aws.ToString(m.ReceiptHandle),
			ReceiveCount: count,
		})
	}
	return deliveries, nil
}

// Ack implements queue.Consumer by deleting the message.
func (q *Queue) Ack(ctx context.Context, d queue.Delivery) error {
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.URL),
		ReceiptHandle: aws.String(d.Receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete %s: %w", d.ID, err)
	}
	return nil
}

// Ping implements queue.Pinger.
func (q *Queue) Ping(ctx context.Context) error {
	_, err := q.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.cfg.URL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return fmt.Errorf("sqs ping: %w", err)
	}
	return nil
}
