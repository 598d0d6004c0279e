// Package failure decides whether a message that failed routing is deleted
// or left on the queue for redelivery.
package failure

import "context"

// Kind classifies where routing failed.
type Kind int

const (
	FailNone Kind = iota
	// FailEnvelopeSchema: the envelope did not match the envelope schema.
	FailEnvelopeSchema
	// FailEnvelopeParse: the envelope could not be decoded.
	FailEnvelopeParse
	// FailPayloadSchema: the payload did not match the schema registered for its type.
	FailPayloadSchema
	// FailNoHandler: no handler was selected for the message.
	FailNoHandler
	// FailHandlerError: the handler returned an error.
	FailHandlerError
	// FailHandlerPanic: the handler panicked.
	FailHandlerPanic
	// FailMiddlewareError: a router middleware returned an error.
	FailMiddlewareError
)

func (k Kind) String() string {
	switch k {
	case FailNone:
		return "none"
	case FailEnvelopeSchema:
		return "envelope_schema"
	case FailEnvelopeParse:
		return "envelope_parse"
	case FailPayloadSchema:
		return "payload_schema"
	case FailNoHandler:
		return "no_handler"
	case FailHandlerError:
		return "handler_error"
	case FailHandlerPanic:
		return "handler_panic"
	case FailMiddlewareError:
		return "middleware_error"
	default:
		return "unknown"
	}
}

// Structural reports whether retrying a message can never change the outcome.
func (k Kind) Structural() bool {
	switch k {
	case FailEnvelopeSchema, FailEnvelopeParse, FailPayloadSchema, FailNoHandler, FailHandlerPanic:
		return true
	default:
		return false
	}
}

// Result is the delete decision for a message plus the error to report.
type Result struct {
	ShouldDelete bool
	Error        error
}

// Policy turns a failure into a final Result.
type Policy interface {
	Decide(ctx context.Context, kind Kind, inner error, current Result) Result
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, kind Kind, inner error, current Result) Result

func (f PolicyFunc) Decide(ctx context.Context, kind Kind, inner error, current Result) Result {
	return f(ctx, kind, inner, current)
}

func attach(current Result, inner error) Result {
	if inner != nil && current.Error == nil {
		current.Error = inner
	}
	return current
}
