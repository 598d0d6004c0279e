package sqslistener

import (
	"context"

	"github.com/hatsunemiku3939/sqslistener/types"
)

// ExactMatchPolicy selects the handler registered for exactly messageType:messageVersion.
type ExactMatchPolicy struct{}

func (ExactMatchPolicy) Decide(_ context.Context, envelope *types.MessageEnvelope, available []types.HandlerKey) types.HandlerKey {
	want := makeKey(envelope.MessageType, envelope.MessageVersion)
	for _, k := range available {
		if k == want {
			return k
		}
	}
	return ""
}
