package resolver

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"github.com/hatsunemiku3939/sqslistener/types"
)

type pending struct {
	msg  types.Message
	done chan error
}

func (p *pending) complete(err error) {
	p.done <- err
	close(p.done)
}

// Batching buffers resolutions and deletes them with DeleteMessageBatch once
// the batch is full or the oldest entry has waited for the buffer period.
type Batching struct {
	client      types.SQSClient
	queue       types.QueueProperties
	batchSize   int
	period      time.Duration
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	log         zerolog.Logger

	entries chan *pending

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBatching creates a Batching resolver for queue. Call Start before Resolve.
func NewBatching(client types.SQSClient, queue types.QueueProperties, opts ...Option) *Batching {
	s := newSettings(opts)
	return &Batching{
		client:      client,
		queue:       queue,
		batchSize:   s.batchSize,
		period:      s.bufferPeriod,
		timeout:     s.deleteTimeout,
		maxAttempts: s.maxAttempts,
		backoff:     s.retryBackoff,
		log:         s.logger,
		entries:     make(chan *pending, s.batchSize*2),
	}
}

// Start launches the flush loop.
func (r *Batching) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
	return nil
}

// Stop rejects new entries, flushes everything still buffered and waits for
// the flush loop to exit or ctx to be done. Flush failures are reported to
// the affected entries, not returned.
func (r *Batching) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.running = false
	r.cancel()
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for resolver drain: %w", ctx.Err())
	}
}

// Resolve enqueues msg. The channel yields the outcome of the batch it was
// flushed in.
func (r *Batching) Resolve(ctx context.Context, msg types.Message) <-chan error {
	p := &pending{msg: msg, done: make(chan error, 1)}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return completed(ErrNotRunning)
	}

	select {
	case r.entries <- p:
	case <-ctx.Done():
		p.complete(ctx.Err())
	}
	return p.done
}

func (r *Batching) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	var (
		batch  []*pending
		expiry <-chan time.Time
	)

	for {
		select {
		case p := <-r.entries:
			batch = r.add(batch, p)
			if len(batch) == 1 {
				expiry = time.After(r.period)
			}
			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch, expiry = nil, nil
			}

		case <-expiry:
			r.flush(batch)
			batch, expiry = nil, nil

		case <-ctx.Done():
		drain:
			for {
				select {
				case p := <-r.entries:
					batch = r.add(batch, p)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				r.log.Info().Int("pending", len(batch)).Msg("draining pending deletes")
			}
			for len(batch) > 0 {
				n := min(len(batch), r.batchSize)
				r.flush(batch[:n])
				batch = batch[n:]
			}
			return
		}
	}
}

func (r *Batching) add(batch []*pending, p *pending) []*pending {
	for _, b := range batch {
		if b.msg.ID == p.msg.ID {
			p.complete(fmt.Errorf("%w: %s", ErrAlreadyPending, p.msg.ID))
			return batch
		}
	}
	return append(batch, p)
}

func (r *Batching) flush(batch []*pending) {
	if len(batch) == 0 {
		return
	}

	entries := make([]sqstypes.DeleteMessageBatchRequestEntry, 0, len(batch))
	for i, p := range batch {
		entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
			Id:            aws.String(strconv.Itoa(i)),
			ReceiptHandle: aws.String(p.msg.ReceiptHandle),
		})
	}
	input := &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(r.queue.URL),
		Entries:  entries,
	}

	var (
		out *sqs.DeleteMessageBatchOutput
		err error
	)
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(r.backoff << (attempt - 1))
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		out, err = r.client.DeleteMessageBatch(ctx, input)
		cancel()
		if err == nil {
			break
		}
		r.log.Warn().Err(err).Int("attempt", attempt+1).Int("entries", len(batch)).Msg("batch delete failed")
	}

	if err != nil {
		r.log.Error().Err(err).Int("entries", len(batch)).Msg("giving up on batch delete")
		for _, p := range batch {
			p.complete(fmt.Errorf("%w: message %s: %w", ErrDeleteFailed, p.msg.ID, err))
		}
		return
	}

	failed := make(map[string]sqstypes.BatchResultErrorEntry, len(out.Failed))
	for _, f := range out.Failed {
		failed[aws.ToString(f.Id)] = f
	}
	succeeded := make(map[string]struct{}, len(out.Successful))
	for _, s := range out.Successful {
		succeeded[aws.ToString(s.Id)] = struct{}{}
	}

	for i, p := range batch {
		id := strconv.Itoa(i)
		if f, ok := failed[id]; ok {
			entryErr := &EntryError{
				MessageID:   p.msg.ID,
				Code:        aws.ToString(f.Code),
				Message:     aws.ToString(f.Message),
				SenderFault: f.SenderFault,
			}
			r.log.Error().Err(entryErr).Str("message_id", p.msg.ID).Msg("batch delete entry failed")
			p.complete(entryErr)
			continue
		}
		if _, ok := succeeded[id]; ok {
			p.complete(nil)
			continue
		}
		p.complete(fmt.Errorf("%w: message %s missing from batch response", ErrDeleteFailed, p.msg.ID))
	}
	r.log.Debug().Int("entries", len(batch)).Int("failed", len(out.Failed)).Msg("flushed deletes")
}
