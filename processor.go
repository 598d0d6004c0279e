package sqslistener

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/hatsunemiku3939/sqslistener/resolver"
	"github.com/hatsunemiku3939/sqslistener/types"
)

// processor runs the handler for one message and resolves it afterwards.
type processor struct {
	client   types.SQSClient
	queue    types.QueueProperties
	handler  types.Handler
	resolver resolver.Resolver
	observer Observer
	timeout  time.Duration

	// resolving tracks deletes still waiting for their outcome.
	resolving sync.WaitGroup
}

func (p *processor) process(ctx context.Context, msg types.Message) error {
	p.observer.MessageReceived(msg)

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	ack := &acknowledgement{p: p, msg: msg, done: make(chan struct{})}
	start := time.Now()
	err := p.run(ctx, msg, ack)
	p.observer.MessageProcessed(msg, err, time.Since(start))

	if err == nil && !ack.retained.Load() {
		ack.resolve()
	}
	return err
}

func (p *processor) run(ctx context.Context, msg types.Message, ack *acknowledgement) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return p.handler.Handle(ctx, msg, ack)
}

// acknowledgement resolves its message at most once, either on request or
// automatically after a successful handler run.
type acknowledgement struct {
	p        *processor
	msg      types.Message
	once     sync.Once
	retained atomic.Bool
	done     chan struct{}
	err      error
}

func (a *acknowledgement) resolve() {
	a.once.Do(func() {
		// The delete outlives the handler's context.
		ch := a.p.resolver.Resolve(context.Background(), a.msg)
		a.p.resolving.Add(1)
		go func() {
			defer a.p.resolving.Done()
			a.err = <-ch
			a.p.observer.MessageResolved(a.msg, a.err)
			close(a.done)
		}()
	})
}

func (a *acknowledgement) Acknowledge(ctx context.Context) error {
	a.resolve()
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *acknowledgement) Retain() {
	a.retained.Store(true)
}

func (a *acknowledgement) ExtendVisibility(ctx context.Context, d time.Duration) error {
	_, err := a.p.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(a.p.queue.URL),
		ReceiptHandle:     aws.String(a.msg.ReceiptHandle),
		VisibilityTimeout: int32(math.Ceil(d.Seconds())),
	})
	if err != nil {
		return fmt.Errorf("change visibility of %s: %w", a.msg.ID, err)
	}
	return nil
}
