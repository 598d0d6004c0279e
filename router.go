package sqslistener

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hatsunemiku3939/sqslistener/pkg/jsonschema"
	failure "github.com/hatsunemiku3939/sqslistener/policy/failure"
	"github.com/hatsunemiku3939/sqslistener/types"
)

// Router dispatches JSON envelopes to handlers by message type and version.
// It implements types.Handler so it can be plugged into a Container.
// It is safe for concurrent use.
type Router struct {
	mu             sync.RWMutex
	handlers       map[types.HandlerKey]MessageHandler
	schemas        map[types.HandlerKey]*jsonschema.Schema
	envelopeSchema *jsonschema.Schema
	middlewares    []RouteMiddleware

	failurePolicy failure.Policy
	routingPolicy types.RoutingPolicy
	log           zerolog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithFailurePolicy replaces the default failure.ImmediateDeletePolicy.
func WithFailurePolicy(p failure.Policy) RouterOption {
	return func(r *Router) { r.failurePolicy = p }
}

// WithRoutingPolicy replaces the default ExactMatchPolicy.
func WithRoutingPolicy(p types.RoutingPolicy) RouterOption {
	return func(r *Router) { r.routingPolicy = p }
}

// WithRouterLogger sets the logger used for routing failures.
func WithRouterLogger(l zerolog.Logger) RouterOption {
	return func(r *Router) { r.log = l }
}

// NewRouter creates a Router validating every message against envelopeSchema.
func NewRouter(envelopeSchema string, opts ...RouterOption) (*Router, error) {
	compiled, err := jsonschema.Compile(envelopeSchema)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelopeSchema, err)
	}

	r := &Router{
		handlers:       make(map[types.HandlerKey]MessageHandler),
		schemas:        make(map[types.HandlerKey]*jsonschema.Schema),
		envelopeSchema: compiled,
		failurePolicy:  failure.ImmediateDeletePolicy{},
		routingPolicy:  ExactMatchPolicy{},
		log:            log.Logger.With().Str("component", "router").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func makeKey(messageType, messageVersion string) types.HandlerKey {
	return types.HandlerKey(messageType + ":" + messageVersion)
}

// Register sets the handler for a message type and version.
func (r *Router) Register(messageType, messageVersion string, handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[makeKey(messageType, messageVersion)] = handler
}

// RegisterSchema sets the payload schema for a message type and version.
func (r *Router) RegisterSchema(messageType, messageVersion string, schema string) error {
	compiled, err := jsonschema.Compile(schema)
	if err != nil {
		return fmt.Errorf("%w for %s:%s: %w", ErrInvalidSchema, messageType, messageVersion, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[makeKey(messageType, messageVersion)] = compiled
	return nil
}

// Use appends middlewares. The first one registered runs outermost.
func (r *Router) Use(mws ...RouteMiddleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, mws...)
}

// Handle routes msg.Body. A message the router decides to keep is retained
// for redelivery; a failed message it decides to delete is acknowledged.
func (r *Router) Handle(ctx context.Context, msg types.Message, ack types.Acknowledger) error {
	res := r.Route(ctx, []byte(msg.Body))
	hr := res.HandlerResult
	switch {
	case !hr.ShouldDelete:
		ack.Retain()
	case hr.Error != nil:
		if err := ack.Acknowledge(ctx); err != nil {
			r.log.Error().Err(err).Str("message_id", msg.ID).Msg("failed to delete rejected message")
		}
	}
	if hr.Error != nil {
		return fmt.Errorf("%s:%s: %w", res.MessageType, res.MessageVersion, hr.Error)
	}
	return nil
}

// Route validates raw, runs it through the middlewares and dispatches it
// to the selected handler.
func (r *Router) Route(ctx context.Context, raw []byte) (rr RoutedResult) {
	r.mu.RLock()
	mws := append([]RouteMiddleware(nil), r.middlewares...)
	r.mu.RUnlock()

	next := RouteFunc(r.route)
	for i := len(mws) - 1; i >= 0; i-- {
		next = mws[i](next)
	}

	defer func() {
		if p := recover(); p != nil {
			rr.HandlerResult = r.decide(ctx, failure.FailHandlerPanic, fmt.Errorf("%w: %v", ErrHandlerPanic, p), rr.HandlerResult)
		}
	}()

	res, err := next(ctx, &RouteState{Raw: raw})
	if err != nil {
		res.HandlerResult = r.decide(ctx, failure.FailMiddlewareError, fmt.Errorf("%w: %w", ErrMiddleware, err), res.HandlerResult)
	}
	return res
}

func (r *Router) route(ctx context.Context, state *RouteState) (RoutedResult, error) {
	unknown := RoutedResult{MessageType: "unknown", MessageVersion: "unknown"}

	if err := jsonschema.Check(r.envelopeSchema, state.Raw); err != nil {
		return r.fail(ctx, unknown, failure.FailEnvelopeSchema, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)), nil
	}

	var doc envelopeDoc
	if err := json.Unmarshal(state.Raw, &doc); err != nil {
		return r.fail(ctx, unknown, failure.FailEnvelopeParse, fmt.Errorf("%w: %w", ErrFailedToParseEnvelope, err)), nil
	}
	env := &types.MessageEnvelope{
		SchemaVersion:  doc.SchemaVersion,
		MessageType:    doc.MessageType,
		MessageVersion: doc.MessageVersion,
		Message:        doc.Message,
	}
	if err := json.Unmarshal(doc.Metadata, &env.Metadata); err != nil {
		return r.fail(ctx, unknown, failure.FailEnvelopeParse, fmt.Errorf("%w: metadata: %w", ErrFailedToParseEnvelope, err)), nil
	}
	state.Envelope = env
	state.MetadataRaw = doc.Metadata

	rr := RoutedResult{
		MessageType:    env.MessageType,
		MessageVersion: env.MessageVersion,
		MessageID:      env.Metadata.MessageID,
		Timestamp:      env.Metadata.Timestamp,
	}

	r.mu.RLock()
	keys := make([]types.HandlerKey, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	key := r.routingPolicy.Decide(ctx, env, keys)
	r.mu.RLock()
	handler, ok := r.handlers[key]
	schema := r.schemas[key]
	r.mu.RUnlock()
	if key == "" || !ok {
		return r.fail(ctx, rr, failure.FailNoHandler, fmt.Errorf("%w for %s", ErrNoHandlerRegistered, makeKey(env.MessageType, env.MessageVersion))), nil
	}
	state.HandlerKey = key
	state.Handler = handler
	state.Schema = schema

	if schema != nil {
		if err := jsonschema.Check(schema, env.Message); err != nil {
			return r.fail(ctx, rr, failure.FailPayloadSchema, fmt.Errorf("%w: %w", ErrInvalidMessagePayload, err)), nil
		}
	}

	res, panicked := r.invoke(ctx, handler, env.Message, doc.Metadata)
	switch {
	case panicked != nil:
		rr.HandlerResult = r.decide(ctx, failure.FailHandlerPanic, panicked, HandlerResult{})
	case res.Error != nil:
		rr.HandlerResult = r.decide(ctx, failure.FailHandlerError, res.Error, res)
	default:
		rr.HandlerResult = res
	}
	return rr, nil
}

func (r *Router) invoke(ctx context.Context, h MessageHandler, msg, meta []byte) (res HandlerResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, p)
		}
	}()
	return h(ctx, msg, meta), nil
}

func (r *Router) fail(ctx context.Context, rr RoutedResult, kind failure.Kind, err error) RoutedResult {
	r.log.Debug().Err(err).Stringer("kind", kind).Str("message_type", rr.MessageType).Msg("routing failed")
	rr.HandlerResult = r.decide(ctx, kind, err, HandlerResult{})
	return rr
}

func (r *Router) decide(ctx context.Context, kind failure.Kind, inner error, current HandlerResult) HandlerResult {
	res := r.failurePolicy.Decide(ctx, kind, inner, failure.Result{ShouldDelete: current.ShouldDelete, Error: current.Error})
	return HandlerResult{ShouldDelete: res.ShouldDelete, Error: res.Error}
}
