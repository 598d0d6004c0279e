// Package resolver removes successfully processed messages from the queue.
package resolver

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hatsunemiku3939/sqslistener/types"
)

// MaxBatchSize is the most entries SQS accepts in one DeleteMessageBatch call.
const MaxBatchSize = 10

const (
	defaultDeleteTimeout = 5 * time.Second
	defaultBufferPeriod  = time.Second
	defaultMaxAttempts   = 3
	defaultRetryBackoff  = 50 * time.Millisecond
)

// Resolver deletes a message from the queue. The returned channel receives
// exactly one value: nil on success or the failure.
type Resolver interface {
	Resolve(ctx context.Context, msg types.Message) <-chan error
}

// Option configures an Immediate or Batching resolver.
type Option func(*settings)

type settings struct {
	deleteTimeout time.Duration
	batchSize     int
	bufferPeriod  time.Duration
	maxAttempts   int
	retryBackoff  time.Duration
	logger        zerolog.Logger
}

func newSettings(opts []Option) settings {
	s := settings{
		deleteTimeout: defaultDeleteTimeout,
		batchSize:     MaxBatchSize,
		bufferPeriod:  defaultBufferPeriod,
		maxAttempts:   defaultMaxAttempts,
		retryBackoff:  defaultRetryBackoff,
		logger:        log.Logger.With().Str("component", "resolver").Logger(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.batchSize < 1 {
		s.batchSize = 1
	}
	if s.batchSize > MaxBatchSize {
		s.batchSize = MaxBatchSize
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = 1
	}
	if s.bufferPeriod <= 0 {
		s.bufferPeriod = defaultBufferPeriod
	}
	return s
}

// WithDeleteTimeout bounds each delete call.
func WithDeleteTimeout(d time.Duration) Option {
	return func(s *settings) { s.deleteTimeout = d }
}

// WithBatchSize sets the number of buffered entries that triggers a flush (1..10).
func WithBatchSize(n int) Option {
	return func(s *settings) { s.batchSize = n }
}

// WithBufferPeriod sets how long the oldest buffered entry may wait before a flush.
func WithBufferPeriod(d time.Duration) Option {
	return func(s *settings) { s.bufferPeriod = d }
}

// WithMaxAttempts sets how often a failed DeleteMessageBatch call is attempted
// before every entry in it is failed.
func WithMaxAttempts(n int) Option {
	return func(s *settings) { s.maxAttempts = n }
}

// WithRetryBackoff sets the base delay between batch delete attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *settings) { s.retryBackoff = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

func completed(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}
