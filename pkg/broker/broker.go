// Package broker defines the transport-neutral subscription contracts used by
// the importer. Concrete transports live in pkg/broker/amqp and pkg/kafka.
package broker

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by Consume when the broker closes the subscription
// without the caller asking for it.
var ErrClosed = errors.New("broker subscription closed")

// Delivery is one message handed to the consumer together with its
// acknowledgement handle. Exactly one of Ack or Nack must be called.
type Delivery interface {
	ID() string
	Body() []byte
	Ack(ctx context.Context) error
	// Nack rejects the delivery. With requeue false the broker drops it.
	Nack(ctx context.Context, requeue bool) error
}

// Handler processes one delivery to a terminal ack or nack.
type Handler func(ctx context.Context, d Delivery)

// Consumer delivers messages from one durable queue, one at a time.
type Consumer interface {
	// Consume blocks, invoking h for each delivery in receive order, until
	// ctx is canceled (returns nil) or the subscription is lost.
	// A delivery being handled when ctx is canceled runs to completion.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

// Publisher sends raw notifications to the exchange/topic of a source domain.
type Publisher interface {
	Publish(ctx context.Context, id string, body []byte) error
	Close() error
}

// Topology names the broker objects of one source domain.
type Topology struct {
	// Exchange is the fanout exchange (Kafka: topic).
	Exchange string
	// Queue is the durable work queue (Kafka: consumer group).
	Queue string
	// Prefetch bounds unacknowledged deliveries held by the consumer.
	Prefetch int
}

// ConnectError reports a failure to establish the subscription at startup.
type ConnectError struct {
	Transport string
	Addr      string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s broker %s: %v", e.Transport, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
