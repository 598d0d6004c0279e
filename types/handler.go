package types

import (
	"context"
	"time"
)

// Acknowledger gives a handler explicit control over how its message leaves the queue.
type Acknowledger interface {
	// Acknowledge resolves the message now. Later calls return the first result.
	Acknowledge(ctx context.Context) error
	// Retain opts the message out of automatic resolution; it is redelivered
	// once its visibility timeout expires.
	Retain()
	// ExtendVisibility hides the message from other consumers for d from now.
	ExtendVisibility(ctx context.Context, d time.Duration) error
}

// Handler processes one message. Returning nil resolves the message unless it
// was retained or already acknowledged. Returning an error leaves the message
// on the queue unless it was acknowledged first.
type Handler interface {
	Handle(ctx context.Context, msg Message, ack Acknowledger) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg Message, ack Acknowledger) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg Message, ack Acknowledger) error {
	return f(ctx, msg, ack)
}

// HandlerMiddleware wraps a Handler with cross-cutting behaviour.
type HandlerMiddleware func(next Handler) Handler

// Chain applies middlewares so that the first one is outermost.
func Chain(h Handler, mws ...HandlerMiddleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
