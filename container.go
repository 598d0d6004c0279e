// Package sqslistener consumes messages from an SQS queue and hands them to
// a handler with bounded, resizable concurrency.
package sqslistener

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hatsunemiku3939/sqslistener/broker"
	"github.com/hatsunemiku3939/sqslistener/resolver"
	"github.com/hatsunemiku3939/sqslistener/retriever"
	"github.com/hatsunemiku3939/sqslistener/types"
)

// State is the lifecycle state of a Container.
type State int32

const (
	Idle State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Broker dispatches retrieved messages to goroutines.
// *broker.Concurrent and *broker.Grouping implement it.
type Broker interface {
	Run(ctx context.Context, src broker.Source, process broker.ProcessFunc) error
	Resize(level int)
	Level() int
	InFlight() int
}

type backgroundRetriever interface {
	Start() error
	Stop() (<-chan []types.Message, error)
}

type backgroundResolver interface {
	Start() error
	Stop(ctx context.Context) error
}

type drainer interface {
	Drain() []types.Message
}

// Container wires a retriever, a broker and a resolver around a handler.
type Container struct {
	id           string
	queue        types.QueueProperties
	interrupt    bool
	processExtra bool
	retriever    retriever.Retriever
	resolver     resolver.Resolver
	broker       Broker
	proc         *processor
	log          zerolog.Logger

	mu           sync.Mutex
	state        State
	cancelBroker context.CancelFunc
	cancelProc   context.CancelFunc
	brokerDone   chan struct{}
}

// New builds an idle Container consuming queueURL.
func New(client types.SQSClient, queueURL string, handler types.Handler, opts ...Option) (*Container, error) {
	if client == nil || handler == nil || queueURL == "" {
		return nil, fmt.Errorf("%w: client, queue URL and handler are required", ErrInvalidConfig)
	}

	s := settings{concurrency: DefaultConcurrency, errorBackoff: defaultErrorBackoff}
	for _, opt := range opts {
		opt(&s)
	}
	if s.concurrency < 1 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, ErrInvalidConcurrency)
	}
	if s.id == "" {
		s.id = xid.New().String()
	}

	base := log.Logger
	if s.logger != nil {
		base = *s.logger
	}
	queue := types.QueueProperties{URL: queueURL}
	logger := base.With().Str("container", s.id).Logger()
	componentLogger := func(name string) zerolog.Logger {
		return logger.With().Str("component", name).Logger()
	}

	c := &Container{
		id:           s.id,
		queue:        queue,
		interrupt:    s.interrupt,
		processExtra: s.processExtra,
		log:          componentLogger("container"),
	}

	switch {
	case s.retriever != nil:
		c.retriever = s.retriever
	case s.prefetch:
		r, err := retriever.NewPrefetching(client, queue, append(s.retrieverOpts, retriever.WithLogger(componentLogger("retriever")))...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		c.retriever = r
	default:
		c.retriever = retriever.NewBatching(client, queue, append(s.retrieverOpts, retriever.WithLogger(componentLogger("retriever")))...)
	}

	resolverOpts := append(s.resolverOpts, resolver.WithLogger(componentLogger("resolver")))
	switch {
	case s.resolver != nil:
		c.resolver = s.resolver
	case s.immediate:
		c.resolver = resolver.NewImmediate(client, queue, resolverOpts...)
	default:
		c.resolver = resolver.NewBatching(client, queue, resolverOpts...)
	}

	brokerOpts := []broker.Option{
		broker.WithErrorBackoff(s.errorBackoff),
		broker.WithLogger(componentLogger("broker")),
	}
	if s.fifo {
		brokerOpts = append(brokerOpts,
			broker.WithMaxGroups(s.maxGroups),
			broker.WithPurgeGroupOnFailure(s.purgeGroup),
			broker.WithProcessCachedOnShutdown(s.drainGroups),
		)
		if s.maxPerGroup > 0 {
			brokerOpts = append(brokerOpts, broker.WithMaxPerGroup(s.maxPerGroup))
		}
		c.broker = broker.NewGrouping(s.concurrency, brokerOpts...)
	} else {
		c.broker = broker.New(s.concurrency, brokerOpts...)
	}

	observer := LogObserver(componentLogger("processor"))
	if len(s.observers) > 0 {
		observer = Observers(append([]Observer{observer}, s.observers...)...)
	}
	c.proc = &processor{
		client:   client,
		queue:    queue,
		handler:  types.Chain(handler, s.middlewares...),
		resolver: c.resolver,
		observer: observer,
		timeout:  s.timeout,
	}
	return c, nil
}

// ID returns the container identifier.
func (c *Container) ID() string { return c.id }

// Queue returns the queue the container consumes from.
func (c *Container) Queue() types.QueueProperties { return c.queue }

// State returns the current lifecycle state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Concurrency returns the current concurrency level.
func (c *Container) Concurrency() int { return c.broker.Level() }

// InFlight returns the number of messages being handled.
func (c *Container) InFlight() int { return c.broker.InFlight() }

// SetConcurrency resizes the number of concurrently handled messages.
// It takes effect immediately, whether or not the container is running.
func (c *Container) SetConcurrency(n int) error {
	if n < 1 {
		return ErrInvalidConcurrency
	}
	c.broker.Resize(n)
	return nil
}

// Start launches the resolver, the retriever and the broker, in that order.
// It returns once they are running.
func (c *Container) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Running:
		return ErrAlreadyRunning
	case Stopping:
		return ErrStopping
	}

	if bg, ok := c.resolver.(backgroundResolver); ok {
		if err := bg.Start(); err != nil {
			return fmt.Errorf("start resolver: %w", err)
		}
	}
	if bg, ok := c.retriever.(backgroundRetriever); ok {
		if err := bg.Start(); err != nil {
			c.stopResolver(context.Background())
			return fmt.Errorf("start retriever: %w", err)
		}
	}

	brokerCtx, cancelBroker := context.WithCancel(context.Background())
	procCtx, cancelProc := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := c.broker.Run(brokerCtx, c.retriever, func(msg types.Message) error {
			return c.proc.process(procCtx, msg)
		})
		if err != nil {
			c.log.Error().Err(err).Msg("broker exited")
		}
	}()

	c.state = Running
	c.cancelBroker = cancelBroker
	c.cancelProc = cancelProc
	c.brokerDone = done
	c.log.Info().Str("queue", c.queue.URL).Int("concurrency", c.broker.Level()).Msg("container started")
	return nil
}

// Stop stops retrieving, waits for in-flight handlers, then drains the
// retriever and the resolver. With WithProcessExtraOnShutdown, messages left
// in the retriever are handled before the resolver is drained. Handler contexts are cancelled when ctx is done
// before the handlers finish. Stop returns once the container is Idle again.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Idle:
		c.mu.Unlock()
		return ErrNotRunning
	case Stopping:
		c.mu.Unlock()
		return ErrStopping
	}
	c.state = Stopping
	cancelBroker, cancelProc, done := c.cancelBroker, c.cancelProc, c.brokerDone
	c.mu.Unlock()

	c.log.Info().Int("in_flight", c.broker.InFlight()).Msg("container stopping")

	var errs []error
	if c.interrupt {
		cancelProc()
	}
	cancelBroker()
	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn().Int("in_flight", c.broker.InFlight()).Msg("shutdown deadline reached, interrupting handlers")
		errs = append(errs, fmt.Errorf("waiting for handlers: %w", ctx.Err()))
		cancelProc()
		<-done
	}
	cancelProc()

	if leftovers := c.drainRetriever(); len(leftovers) > 0 {
		if c.processExtra && ctx.Err() == nil {
			c.processLeftovers(ctx, leftovers)
		} else {
			ids := make([]string, 0, len(leftovers))
			for _, m := range leftovers {
				ids = append(ids, m.ID)
			}
			c.log.Info().Strs("message_ids", ids).Msg("left unprocessed messages for redelivery")
		}
	}

	drainCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(context.Background(), drainGrace)
		defer cancel()
	}
	if err := c.stopResolver(drainCtx); err != nil {
		errs = append(errs, err)
	}
	c.proc.resolving.Wait()

	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()

	err := errors.Join(errs...)
	c.log.Info().Err(err).Msg("container stopped")
	return err
}

// drainRetriever collects messages that were retrieved but never handled.
// Unless they are processed, they reappear once their visibility timeout expires.
func (c *Container) drainRetriever() []types.Message {
	var leftovers []types.Message
	if bg, ok := c.retriever.(backgroundRetriever); ok {
		if ch, err := bg.Stop(); err == nil {
			leftovers = append(leftovers, <-ch...)
		}
	}
	if d, ok := c.retriever.(drainer); ok {
		leftovers = append(leftovers, d.Drain()...)
	}
	return leftovers
}

// processLeftovers runs msgs through the broker a second time. Handlers are
// cancelled when ctx is done.
func (c *Container) processLeftovers(ctx context.Context, msgs []types.Message) {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()

	c.log.Info().Int("messages", len(msgs)).Msg("processing messages retrieved before shutdown")
	err := c.broker.Run(runCtx, broker.FromMessages(msgs), func(msg types.Message) error {
		return c.proc.process(runCtx, msg)
	})
	if err != nil {
		c.log.Error().Err(err).Msg("processing leftover messages failed")
	}
}

func (c *Container) stopResolver(ctx context.Context) error {
	bg, ok := c.resolver.(backgroundResolver)
	if !ok {
		return nil
	}
	if err := bg.Stop(ctx); err != nil && !errors.Is(err, resolver.ErrNotRunning) {
		return fmt.Errorf("stop resolver: %w", err)
	}
	return nil
}
