package bus

import (
	"context"
)

// Subjects on the shared fan-out bus. Every replica subscribes to Fanout with
// an empty queue group (broadcast); the dead-letter subject uses a queue
// group so exactly one reconciler handles each dead letter.
const (
	SubjectFanout     = "chat.fanout"
	SubjectReceiptDLQ = "chat.receipt.dlq"

	QueueReconcilers = "reconcilers"
)

// Handler processes one delivery. Returning an error lets the transport
// apply its own redelivery semantics; delivery is at-least-once either way.
type Handler func(ctx context.Context, subject string, data []byte) error

// Bus is the fan-out transport contract: fire-and-forget publish, broadcast
// subscribe. Implementations must deliver a replica's own publishes back to
// it; dedup belongs to consumers, not the transport.
type Bus interface {
	// Publish sends data on subject. msgID rides along for consumer-side
	// dedup (header or key depending on transport).
	Publish(ctx context.Context, subject string, data []byte, msgID string) error

	// Subscribe registers h for subject. An empty queue means every
	// subscriber sees every message; a non-empty queue load-balances within
	// the group.
	Subscribe(subject, queue string, h Handler) error

	Close() error
}

// Middleware wraps a Handler (logging, idempotency, metrics).
type Middleware func(Handler) Handler

// Chain applies middlewares so the first listed runs outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
