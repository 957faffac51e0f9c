// Package queue defines the at-least-once message transport used to drive
// reconciliation cycles.
//
// Backends deduplicate enqueues that share a DedupKey within a bounded
// window, preserve FIFO order within a GroupKey where the substrate supports
// it, and redeliver any delivery that is not acknowledged before its
// visibility timeout expires.
package queue

import "context"

// Message is an outgoing payload.
type Message struct {
	Body     []byte
	DedupKey string
	GroupKey string
}

// Delivery is a received message. Receipt is the backend handle used to
// acknowledge it.
type Delivery struct {
	ID           string
	Body         []byte
	Receipt      string
	ReceiveCount int
}

// Producer enqueues messages.
type Producer interface {
	Enqueue(ctx context.Context, msg Message) error
}

// Consumer pulls and acknowledges deliveries. Receive blocks up to a backend
// specific wait time and may return an empty batch.
type Consumer interface {
	Receive(ctx context.Context) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
}

// Queue is a full transport.
type Queue interface {
	Producer
	Consumer
}

// Pinger is implemented by backends that can report connectivity for
// readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}
