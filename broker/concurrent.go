package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hatsunemiku3939/sqslistener/pkg/permit"
	"github.com/hatsunemiku3939/sqslistener/types"
)

// Concurrent processes messages on independent goroutines, at most Level at a time.
type Concurrent struct {
	lifecycle

	permits  *permit.Pool
	backoff  time.Duration
	log      zerolog.Logger
	inFlight atomic.Int32
}

// New creates a Concurrent broker allowing level messages in flight.
func New(level int, opts ...Option) *Concurrent {
	s := newSettings(opts)
	return &Concurrent{
		permits: permit.New(level),
		backoff: s.errorBackoff,
		log:     s.logger,
	}
}

// Run acquires a permit, retrieves a message and processes it on a new
// goroutine, until ctx is cancelled, Stop is called or src is exhausted. It
// returns after all dispatched goroutines have finished.
func (b *Concurrent) Run(ctx context.Context, src Source, process ProcessFunc) error {
	ctx, err := b.begin(ctx)
	if err != nil {
		return err
	}
	defer b.finish()

	b.log.Info().Int("concurrency", b.permits.Level()).Msg("broker started")

	var wg sync.WaitGroup
	for {
		if err := b.permits.Acquire(ctx); err != nil {
			break
		}

		msg, err := src.Retrieve(ctx)
		if err != nil {
			b.permits.Release()
			if ctx.Err() != nil || errors.Is(err, ErrSourceExhausted) {
				break
			}
			b.log.Error().Err(err).Dur("backoff", b.backoff).Msg("failed to retrieve message")
			if !sleep(ctx, b.backoff) {
				break
			}
			continue
		}

		wg.Add(1)
		b.inFlight.Add(1)
		go func(m types.Message) {
			defer wg.Done()
			defer b.permits.Release()
			defer b.inFlight.Add(-1)
			_ = invoke(b.log, process, m)
		}(msg)
	}

	b.stopping()
	b.log.Info().Int32("in_flight", b.inFlight.Load()).Msg("broker stopping, waiting for in-flight messages")
	wg.Wait()
	b.log.Info().Msg("broker stopped")
	return nil
}

// Resize changes the concurrency level. Messages already in flight are not affected.
func (b *Concurrent) Resize(level int) {
	b.permits.Resize(level)
	b.log.Info().Int("concurrency", level).Msg("concurrency changed")
}

// Level returns the current concurrency level.
func (b *Concurrent) Level() int { return b.permits.Level() }

// InFlight returns the number of messages currently being processed.
func (b *Concurrent) InFlight() int { return int(b.inFlight.Load()) }
