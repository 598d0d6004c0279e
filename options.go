package sqslistener

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hatsunemiku3939/sqslistener/resolver"
	"github.com/hatsunemiku3939/sqslistener/retriever"
	"github.com/hatsunemiku3939/sqslistener/types"
)

const (
	DefaultConcurrency  = 5
	defaultErrorBackoff = 10 * time.Second
	drainGrace          = 5 * time.Second
)

// Option configures a Container.
type Option func(*settings)

type settings struct {
	id          string
	concurrency int

	retriever     retriever.Retriever
	retrieverOpts []retriever.Option
	prefetch      bool

	resolver     resolver.Resolver
	resolverOpts []resolver.Option
	immediate    bool

	fifo        bool
	maxGroups   int
	maxPerGroup int
	purgeGroup  bool
	drainGroups bool

	errorBackoff time.Duration
	middlewares  []types.HandlerMiddleware
	observers    []Observer
	logger       *zerolog.Logger
	interrupt    bool
	processExtra bool
	timeout      time.Duration
}

// WithID names the container in logs. Defaults to a generated xid.
func WithID(id string) Option {
	return func(s *settings) { s.id = id }
}

// WithConcurrency sets how many messages are processed at once. Defaults to 5.
func WithConcurrency(n int) Option {
	return func(s *settings) { s.concurrency = n }
}

// WithRetriever replaces the built-in retriever. Retrieval options are ignored.
func WithRetriever(r retriever.Retriever) Option {
	return func(s *settings) { s.retriever = r }
}

// WithResolver replaces the built-in resolver. Resolution options are ignored.
func WithResolver(r resolver.Resolver) Option {
	return func(s *settings) { s.resolver = r }
}

// WithPrefetching keeps between minimum and maximum messages buffered ahead of the handlers.
func WithPrefetching(minimum, maximum int) Option {
	return func(s *settings) {
		s.prefetch = true
		s.retrieverOpts = append(s.retrieverOpts, retriever.WithPrefetch(minimum, maximum))
	}
}

// WithBatchSize sets how many messages are requested per receive call.
func WithBatchSize(n int) Option {
	return func(s *settings) {
		s.retrieverOpts = append(s.retrieverOpts, retriever.WithBatchSize(n))
	}
}

// WithWaitTime sets the long-poll wait of each receive call.
func WithWaitTime(d time.Duration) Option {
	return func(s *settings) {
		s.retrieverOpts = append(s.retrieverOpts, retriever.WithWaitTime(d))
	}
}

// WithVisibilityTimeout overrides the queue's visibility timeout for received messages.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.retrieverOpts = append(s.retrieverOpts, retriever.WithVisibilityTimeout(d))
	}
}

// WithReceiveRateLimit caps the rate of receive calls.
func WithReceiveRateLimit(limit rate.Limit, burst int) Option {
	return func(s *settings) {
		s.retrieverOpts = append(s.retrieverOpts, retriever.WithRateLimit(limit, burst))
	}
}

// WithImmediateResolution deletes each message with its own DeleteMessage call.
func WithImmediateResolution() Option {
	return func(s *settings) { s.immediate = true }
}

// WithBatchResolution buffers deletes into batches of up to size entries,
// flushed at the latest period after the first buffered entry.
func WithBatchResolution(size int, period time.Duration) Option {
	return func(s *settings) {
		s.immediate = false
		s.resolverOpts = append(s.resolverOpts, resolver.WithBatchSize(size), resolver.WithBufferPeriod(period))
	}
}

// WithFIFO processes messages of the same group one at a time in arrival order.
// maxGroups bounds the groups cached at once (0 means the concurrency level)
// and maxPerGroup bounds the messages cached per group.
func WithFIFO(maxGroups, maxPerGroup int) Option {
	return func(s *settings) {
		s.fifo = true
		s.maxGroups = maxGroups
		s.maxPerGroup = maxPerGroup
	}
}

// WithPurgeGroupOnFailure drops the cached messages of a group whose message failed.
func WithPurgeGroupOnFailure() Option {
	return func(s *settings) { s.purgeGroup = true }
}

// WithProcessCachedOnShutdown finishes cached FIFO messages before stopping.
func WithProcessCachedOnShutdown() Option {
	return func(s *settings) { s.drainGroups = true }
}

// WithProcessExtraOnShutdown handles messages that were retrieved but not yet
// dispatched when Stop is called, instead of leaving them for redelivery.
// They are processed under the concurrency limit until the Stop context ends.
func WithProcessExtraOnShutdown() Option {
	return func(s *settings) { s.processExtra = true }
}

// WithErrorBackoff sets the pause after a failed retrieval.
func WithErrorBackoff(d time.Duration) Option {
	return func(s *settings) {
		s.errorBackoff = d
		s.retrieverOpts = append(s.retrieverOpts, retriever.WithErrorBackoff(d))
	}
}

// WithMiddleware wraps the handler. The first middleware is outermost.
func WithMiddleware(mws ...types.HandlerMiddleware) Option {
	return func(s *settings) { s.middlewares = append(s.middlewares, mws...) }
}

// WithObserver adds an observer notified alongside the logging observer.
func WithObserver(o Observer) Option {
	return func(s *settings) { s.observers = append(s.observers, o) }
}

// WithLogger sets the logger for the container and every component it builds.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = &l }
}

// WithInterruptOnShutdown cancels handler contexts as soon as Stop is called.
func WithInterruptOnShutdown() Option {
	return func(s *settings) { s.interrupt = true }
}

// WithProcessingTimeout bounds each handler invocation.
func WithProcessingTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}
