package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"

	"github.com/hatsunemiku3939/sqslistener/types"
)

// Immediate deletes each message with its own DeleteMessage call.
type Immediate struct {
	client  types.SQSClient
	queue   types.QueueProperties
	timeout time.Duration
	log     zerolog.Logger
}

// NewImmediate creates an Immediate resolver for queue.
func NewImmediate(client types.SQSClient, queue types.QueueProperties, opts ...Option) *Immediate {
	s := newSettings(opts)
	return &Immediate{
		client:  client,
		queue:   queue,
		timeout: s.deleteTimeout,
		log:     s.logger,
	}
}

// Resolve deletes msg before returning. The call is not cancelled with ctx so
// that a handler interrupted after success still has its message removed.
func (r *Immediate) Resolve(ctx context.Context, msg types.Message) <-chan error {
	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	_, err := r.client.DeleteMessage(deleteCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queue.URL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		r.log.Error().Err(err).Str("message_id", msg.ID).Msg("failed to delete message")
		return completed(fmt.Errorf("%w: message %s: %w", ErrDeleteFailed, msg.ID, err))
	}

	r.log.Debug().Str("message_id", msg.ID).Msg("deleted message")
	return completed(nil)
}
