package broker

import (
	"context"
	"sync"

	"github.com/hatsunemiku3939/sqslistener/types"
)

// sliceSource yields a fixed set of messages in order, then ErrSourceExhausted.
type sliceSource struct {
	mu   sync.Mutex
	msgs []types.Message
}

// FromMessages returns a Source over msgs. Run with it returns once every
// message has been processed.
func FromMessages(msgs []types.Message) Source {
	return &sliceSource{msgs: append([]types.Message(nil), msgs...)}
}

func (s *sliceSource) Retrieve(ctx context.Context) (types.Message, error) {
	if err := ctx.Err(); err != nil {
		return types.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return types.Message{}, ErrSourceExhausted
	}
	msg := s.msgs[0]
	s.msgs = s.msgs[1:]
	return msg, nil
}
