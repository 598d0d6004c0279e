package retriever

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hatsunemiku3939/sqslistener/types"
)

// Batching fetches up to a batch of messages per ReceiveMessage call and hands
// them out one at a time. It is safe for concurrent use.
type Batching struct {
	recv      receiver
	batchSize int
	log       zerolog.Logger

	mu    sync.Mutex
	batch []types.Message
}

// NewBatching creates a Batching retriever for queue.
func NewBatching(client types.SQSClient, queue types.QueueProperties, opts ...Option) *Batching {
	s := newSettings(opts)
	return &Batching{
		recv:      newReceiver(client, queue, s),
		batchSize: clampBatch(s.batchSize),
		log:       s.logger,
	}
}

// Retrieve returns the next message of the current batch, receiving a new
// batch when it is exhausted. Empty receives are retried until a message
// arrives or ctx is done. Queue errors are returned to the caller.
func (b *Batching) Retrieve(ctx context.Context) (types.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.batch) == 0 {
		if err := ctx.Err(); err != nil {
			return types.Message{}, err
		}
		msgs, err := b.recv.receive(ctx, b.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return types.Message{}, ctx.Err()
			}
			return types.Message{}, err
		}
		if len(msgs) > 0 {
			b.log.Debug().Int("count", len(msgs)).Msg("received batch")
		}
		b.batch = msgs
	}

	msg := b.batch[0]
	b.batch = b.batch[1:]
	return msg, nil
}

// Drain removes and returns messages received but not yet handed out.
func (b *Batching) Drain() []types.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	rest := b.batch
	b.batch = nil
	return rest
}
