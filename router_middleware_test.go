package sqslistener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var minimalEnvelope = []byte(`{"schemaVersion":"1.0","messageType":"T","messageVersion":"v1","message":{},"metadata":{}}`)

func registerT(r *Router, res HandlerResult) {
	r.Register("T", "v1", func(context.Context, []byte, []byte) HandlerResult { return res })
}

func TestMiddleware_OrderAndPrePost(t *testing.T) {
	r := newTestRouter(t)
	var seen []string
	trace := func(name string) RouteMiddleware {
		return func(next RouteFunc) RouteFunc {
			return func(ctx context.Context, s *RouteState) (RoutedResult, error) {
				seen = append(seen, name+":pre")
				rr, err := next(ctx, s)
				seen = append(seen, name+":post")
				return rr, err
			}
		}
	}
	r.Use(trace("outer"), trace("inner"))
	registerT(r, HandlerResult{ShouldDelete: true})

	_ = r.Route(context.Background(), minimalEnvelope)

	assert.Equal(t, []string{"outer:pre", "inner:pre", "inner:post", "outer:post"}, seen)
}

func TestMiddleware_SeesResolvedState(t *testing.T) {
	r := newTestRouter(t)
	var state *RouteState
	r.Use(func(next RouteFunc) RouteFunc {
		return func(ctx context.Context, s *RouteState) (RoutedResult, error) {
			rr, err := next(ctx, s)
			state = s
			return rr, err
		}
	})
	registerT(r, HandlerResult{ShouldDelete: true})

	_ = r.Route(context.Background(), minimalEnvelope)

	require.NotNil(t, state)
	require.NotNil(t, state.Envelope)
	assert.Equal(t, "T", state.Envelope.MessageType)
	assert.Equal(t, makeKey("T", "v1"), state.HandlerKey)
	assert.NotNil(t, state.Handler)
	assert.Nil(t, state.Schema)
}

func TestMiddleware_ErrorDoesNotForceDelete(t *testing.T) {
	errMW := func(next RouteFunc) RouteFunc {
		return func(ctx context.Context, s *RouteState) (RoutedResult, error) {
			rr, _ := next(ctx, s)
			return rr, errors.New("mw error")
		}
	}

	t.Run("handler succeeded", func(t *testing.T) {
		r := newTestRouter(t)
		registerT(r, HandlerResult{ShouldDelete: true})
		r.Use(errMW)

		rr := r.Route(context.Background(), minimalEnvelope)

		assert.ErrorIs(t, rr.HandlerResult.Error, ErrMiddleware)
		assert.True(t, rr.HandlerResult.ShouldDelete)
	})

	t.Run("handler asked for retry", func(t *testing.T) {
		r := newTestRouter(t)
		registerT(r, HandlerResult{Error: errors.New("transient")})
		r.Use(errMW)

		rr := r.Route(context.Background(), minimalEnvelope)

		require.Error(t, rr.HandlerResult.Error)
		assert.Equal(t, "transient", rr.HandlerResult.Error.Error())
		assert.False(t, rr.HandlerResult.ShouldDelete)
	})
}

func TestMiddleware_PanicIsRecovered(t *testing.T) {
	r := newTestRouter(t)
	registerT(r, HandlerResult{ShouldDelete: true})
	r.Use(func(next RouteFunc) RouteFunc {
		return func(context.Context, *RouteState) (RoutedResult, error) {
			panic("middleware exploded")
		}
	})

	rr := r.Route(context.Background(), minimalEnvelope)

	assert.ErrorIs(t, rr.HandlerResult.Error, ErrHandlerPanic)
	assert.True(t, rr.HandlerResult.ShouldDelete)
}

func TestMiddleware_RunsWhenNoHandlerRegistered(t *testing.T) {
	r := newTestRouter(t)
	var ran atomic.Int32
	r.Use(func(next RouteFunc) RouteFunc {
		return func(ctx context.Context, s *RouteState) (RoutedResult, error) {
			ran.Add(1)
			return next(ctx, s)
		}
	})

	rr := r.Route(context.Background(), []byte(`{"schemaVersion":"1.0","messageType":"Nope","messageVersion":"v1","message":{},"metadata":{}}`))

	assert.Equal(t, int32(1), ran.Load())
	assert.ErrorIs(t, rr.HandlerResult.Error, ErrNoHandlerRegistered)
}
