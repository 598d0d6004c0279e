package sqslistener

import "errors"

// Container errors.
var (
	ErrAlreadyRunning     = errors.New("container already running")
	ErrNotRunning         = errors.New("container not running")
	ErrStopping           = errors.New("container is stopping")
	ErrInvalidConfig      = errors.New("invalid container configuration")
	ErrInvalidConcurrency = errors.New("concurrency must be at least 1")
	ErrHandlerPanic       = errors.New("handler panicked")
)

// Router errors.
var (
	ErrInvalidEnvelopeSchema = errors.New("invalid envelope schema")
	ErrInvalidSchema         = errors.New("invalid schema")
	ErrInvalidEnvelope       = errors.New("invalid envelope")
	ErrFailedToParseEnvelope = errors.New("failed to parse envelope")
	ErrInvalidMessagePayload = errors.New("invalid message payload")
	ErrNoHandlerRegistered   = errors.New("no handler registered")
	ErrMiddleware            = errors.New("middleware")
)
