// Package bus abstracts the pub/sub transport used for index gossip.
// The contract is deliberately weak: messages are eventually delivered
// if both endpoints are live, and consumers must tolerate loss,
// duplication and truncation.
package bus

import (
	"context"
)

// MaxMessageSize bounds published messages; larger payloads travel
// through the content-addressed store instead.
const MaxMessageSize = 4096

// Handler consumes one raw message. Handlers must be loss-tolerant and
// must not block for long; slow work belongs on the subscriber's own
// queue.
type Handler func(data []byte)

// Subscription is a live topic subscription.
type Subscription interface {
	// Cancel stops delivery. Safe to call more than once.
	Cancel()
}

// Bus is the duck-typed pub/sub layer: publish bytes to a topic,
// subscribe a handler to a topic.
type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string, handler Handler) (Subscription, error)
	Close() error
}
