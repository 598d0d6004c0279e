package retriever

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hatsunemiku3939/sqslistener/types"
)

// Prefetching keeps between min and max messages buffered using a background
// goroutine started by Start.
type Prefetching struct {
	recv    receiver
	min     int
	max     int
	backoff time.Duration
	log     zerolog.Logger

	buffer   chan types.Message
	consumed chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	drained chan struct{} // closed once the last Stop has collected its leftovers
}

// NewPrefetching creates a Prefetching retriever. It requires 0 < min <= max.
func NewPrefetching(client types.SQSClient, queue types.QueueProperties, opts ...Option) (*Prefetching, error) {
	s := newSettings(opts)
	if s.prefetchMin <= 0 || s.prefetchMax < s.prefetchMin {
		return nil, fmt.Errorf("%w: min=%d max=%d", ErrInvalidPrefetch, s.prefetchMin, s.prefetchMax)
	}
	return &Prefetching{
		recv:     newReceiver(client, queue, s),
		min:      s.prefetchMin,
		max:      s.prefetchMax,
		backoff:  s.errorBackoff,
		log:      s.logger,
		buffer:   make(chan types.Message, s.prefetchMax),
		consumed: make(chan struct{}, 1),
	}, nil
}

// Start launches the background prefetch loop. After a Stop it first waits
// for the previous loop's leftovers to be collected.
func (p *Prefetching) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}
	if p.drained != nil {
		<-p.drained
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)

	p.log.Info().Int("min", p.min).Int("max", p.max).Msg("prefetch loop started")
	return nil
}

// Stop signals the loop to exit without waiting for it. The returned channel
// yields the buffered messages nobody retrieved once the loop has exited.
func (p *Prefetching) Stop() (<-chan []types.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, ErrNotRunning
	}
	p.running = false
	p.cancel()

	done := p.done
	drained := make(chan struct{})
	p.drained = drained
	out := make(chan []types.Message, 1)
	go func() {
		<-done
		out <- p.drain()
		close(drained)
		close(out)
	}()
	return out, nil
}

// Retrieve blocks until a buffered message is available or ctx is done.
func (p *Prefetching) Retrieve(ctx context.Context) (types.Message, error) {
	select {
	case msg := <-p.buffer:
		select {
		case p.consumed <- struct{}{}:
		default:
		}
		return msg, nil
	case <-ctx.Done():
		return types.Message{}, ctx.Err()
	}
}

// Buffered reports how many messages are waiting in the buffer.
func (p *Prefetching) Buffered() int {
	return len(p.buffer)
}

func (p *Prefetching) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		for len(p.buffer) >= p.min {
			select {
			case <-p.consumed:
			case <-ctx.Done():
				return
			}
		}

		want := p.max - len(p.buffer)
		msgs, err := p.recv.receive(ctx, want)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error().Err(err).Str("queue", p.recv.queue.URL).Dur("backoff", p.backoff).Msg("prefetch receive failed")
			select {
			case <-time.After(p.backoff):
				continue
			case <-ctx.Done():
				return
			}
		}

		for _, msg := range msgs {
			select {
			case p.buffer <- msg:
			case <-ctx.Done():
				// left for redelivery after the visibility timeout
				return
			}
		}
	}
}

func (p *Prefetching) drain() []types.Message {
	var rest []types.Message
	for {
		select {
		case msg := <-p.buffer:
			rest = append(rest, msg)
		default:
			return rest
		}
	}
}
