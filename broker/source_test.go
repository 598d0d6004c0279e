package broker

import (
	"context"
	"sync"

	"github.com/hatsunemiku3939/sqslistener/types"
)

// scriptedSource returns queued errors first, then queued messages, then
// blocks until the context is done.
type scriptedSource struct {
	mu     sync.Mutex
	msgs   []types.Message
	errs   []error
	pushed chan struct{}
}

func newSource(msgs ...types.Message) *scriptedSource {
	return &scriptedSource{msgs: msgs, pushed: make(chan struct{}, 1)}
}

func (s *scriptedSource) Retrieve(ctx context.Context) (types.Message, error) {
	for {
		s.mu.Lock()
		if len(s.errs) > 0 {
			err := s.errs[0]
			s.errs = s.errs[1:]
			s.mu.Unlock()
			return types.Message{}, err
		}
		if len(s.msgs) > 0 {
			msg := s.msgs[0]
			s.msgs = s.msgs[1:]
			s.mu.Unlock()
			return msg, nil
		}
		s.mu.Unlock()

		select {
		case <-s.pushed:
		case <-ctx.Done():
			return types.Message{}, ctx.Err()
		}
	}
}

func (s *scriptedSource) push(msgs ...types.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msgs...)
	s.mu.Unlock()
	select {
	case s.pushed <- struct{}{}:
	default:
	}
}

func (s *scriptedSource) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func msg(id string) types.Message {
	return types.Message{ID: id, ReceiptHandle: "rh-" + id}
}

func groupMsg(id, group string) types.Message {
	m := msg(id)
	m.GroupID = group
	return m
}

// gauge tracks how many handlers run at once and the peak.
type gauge struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (g *gauge) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current++
	if g.current > g.peak {
		g.peak = g.current
	}
}

func (g *gauge) exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current--
}

func (g *gauge) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}
