package sqslistener

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/hatsunemiku3939/sqslistener/types"
)

// Observer is notified as each message moves through a container.
// Implementations must be safe for concurrent use.
type Observer interface {
	// MessageReceived is called before the handler runs.
	MessageReceived(msg types.Message)
	// MessageProcessed is called after the handler returns or panics.
	MessageProcessed(msg types.Message, err error, elapsed time.Duration)
	// MessageResolved is called once the delete of msg has completed.
	MessageResolved(msg types.Message, err error)
}

// Observers fans notifications out to every observer in order.
func Observers(obs ...Observer) Observer {
	return multiObserver(obs)
}

type multiObserver []Observer

func (m multiObserver) MessageReceived(msg types.Message) {
	for _, o := range m {
		o.MessageReceived(msg)
	}
}

func (m multiObserver) MessageProcessed(msg types.Message, err error, elapsed time.Duration) {
	for _, o := range m {
		o.MessageProcessed(msg, err, elapsed)
	}
}

func (m multiObserver) MessageResolved(msg types.Message, err error) {
	for _, o := range m {
		o.MessageResolved(msg, err)
	}
}

// LogObserver reports failures at error level and everything else at debug level.
func LogObserver(l zerolog.Logger) Observer {
	return logObserver{log: l}
}

type logObserver struct {
	log zerolog.Logger
}

func (o logObserver) MessageReceived(msg types.Message) {
	o.log.Debug().Str("message_id", msg.ID).Str("group", msg.GroupID).Msg("message received")
}

func (o logObserver) MessageProcessed(msg types.Message, err error, elapsed time.Duration) {
	if err != nil {
		o.log.Error().Err(err).Str("message_id", msg.ID).Int("receive_count", msg.ReceiveCount()).Dur("elapsed", elapsed).Msg("message processing failed, leaving it on the queue")
		return
	}
	o.log.Debug().Str("message_id", msg.ID).Dur("elapsed", elapsed).Msg("message processed")
}

func (o logObserver) MessageResolved(msg types.Message, err error) {
	if err != nil {
		o.log.Error().Err(err).Str("message_id", msg.ID).Msg("failed to resolve message")
		return
	}
	o.log.Debug().Str("message_id", msg.ID).Msg("message resolved")
}
