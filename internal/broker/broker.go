// Package broker moves pipeline messages between stages with manual acknowledgement.
package broker

import "context"

// Disposition is what a handler decides about the message it was given.
type Disposition int

const (
	// Ack removes the message: it was processed, or can never succeed.
	Ack Disposition = iota
	// Requeue returns the message for redelivery.
	Requeue
	// Drop discards the message without redelivery.
	Drop
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Drop:
		return "drop"
	}
	return "unknown"
}

// Delivery is one message handed to a Handler.
type Delivery struct {
	MessageID string
	Body      []byte
	// Redeliveries counts earlier deliveries of this message that were not acknowledged.
	Redeliveries int
}

// Handler processes a single delivery. The broker settles the message with
// the returned disposition only after the handler returns.
type Handler func(ctx context.Context, d Delivery) Disposition

type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

type Consumer interface {
	// Consume delivers messages from queue one at a time until ctx is done.
	Consume(ctx context.Context, queue string, h Handler) error
}
