// Package retriever supplies messages from an SQS queue to a broker.
//
// Batching fetches a batch on demand and serves callers from it. Prefetching
// keeps a buffer topped up from a background goroutine so callers rarely wait
// on the network.
package retriever

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/hatsunemiku3939/sqslistener/types"
)

// SQS protocol limits.
const (
	MaxBatchSize = 10
	MaxWaitTime  = 20 * time.Second
)

const (
	defaultPrefetchMin  = 1
	defaultPrefetchMax  = MaxBatchSize
	defaultErrorBackoff = time.Second
)

// Retriever returns the next message to process, blocking until one is
// available, ctx is done, or the queue call fails.
type Retriever interface {
	Retrieve(ctx context.Context) (types.Message, error)
}

// Option configures a Batching or Prefetching retriever.
type Option func(*settings)

type settings struct {
	batchSize    int
	waitTime     time.Duration
	visibility   time.Duration
	prefetchMin  int
	prefetchMax  int
	errorBackoff time.Duration
	limiter      *rate.Limiter
	logger       zerolog.Logger
}

func newSettings(opts []Option) settings {
	s := settings{
		batchSize:    MaxBatchSize,
		waitTime:     MaxWaitTime,
		prefetchMin:  defaultPrefetchMin,
		prefetchMax:  defaultPrefetchMax,
		errorBackoff: defaultErrorBackoff,
		logger:       log.Logger.With().Str("component", "retriever").Logger(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithBatchSize sets how many messages a Batching retriever requests per call.
// Values outside 1..10 are clamped.
func WithBatchSize(n int) Option {
	return func(s *settings) { s.batchSize = n }
}

// WithWaitTime sets the long-poll wait. Zero, negative or over-limit values use MaxWaitTime.
func WithWaitTime(d time.Duration) Option {
	return func(s *settings) { s.waitTime = d }
}

// WithVisibilityTimeout overrides the queue's visibility timeout for received messages.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(s *settings) { s.visibility = d }
}

// WithPrefetch sets the buffer low-water (min) and high-water (max) marks.
func WithPrefetch(minimum, maximum int) Option {
	return func(s *settings) {
		s.prefetchMin = minimum
		s.prefetchMax = maximum
	}
}

// WithErrorBackoff sets the delay after a failed background receive.
func WithErrorBackoff(d time.Duration) Option {
	return func(s *settings) { s.errorBackoff = d }
}

// WithRateLimit caps the rate of receive calls.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *settings) { s.limiter = rate.NewLimiter(limit, burst) }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// receiver issues ReceiveMessage calls with the configured limits.
type receiver struct {
	client      types.SQSClient
	queue       types.QueueProperties
	waitSeconds int32
	visibility  int32
	limiter     *rate.Limiter
}

func newReceiver(client types.SQSClient, queue types.QueueProperties, s settings) receiver {
	return receiver{
		client:      client,
		queue:       queue,
		waitSeconds: waitSeconds(s.waitTime),
		visibility:  ceilSeconds(s.visibility),
		limiter:     s.limiter,
	}
}

func (r receiver) receive(ctx context.Context, n int) ([]types.Message, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(r.queue.URL),
		MaxNumberOfMessages:         int32(clampBatch(n)),
		WaitTimeSeconds:             r.waitSeconds,
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeName("All")},
		MessageAttributeNames:       []string{"All"},
	}
	if r.visibility > 0 {
		input.VisibilityTimeout = r.visibility
	}

	out, err := r.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReceiveFailed, err)
	}

	msgs := make([]types.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, types.FromSQS(m))
	}
	return msgs, nil
}

func clampBatch(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}

// waitSeconds rounds d up to whole seconds within the protocol limit.
func waitSeconds(d time.Duration) int32 {
	if d <= 0 || d > MaxWaitTime {
		d = MaxWaitTime
	}
	return ceilSeconds(d)
}

// ceilSeconds rounds d up to whole seconds. Non-positive durations yield zero.
func ceilSeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	return int32((d + time.Second - 1) / time.Second)
}
