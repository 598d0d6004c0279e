package types

import (
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// System attribute names read from received messages.
const (
	AttributeMessageGroupID          = "MessageGroupId"
	AttributeMessageDeduplicationID  = "MessageDeduplicationId"
	AttributeApproximateReceiveCount = "ApproximateReceiveCount"
)

// QueueProperties identifies the queue a container consumes from. The
// container owns it; retrievers, resolvers and the processor share it read-only.
type QueueProperties struct {
	URL string
}

// Message is a single delivery retrieved from the queue.
// It is passed by value and never modified after retrieval.
type Message struct {
	ID                string
	ReceiptHandle     string
	Body              string
	Attributes        map[string]string
	MessageAttributes map[string]sqstypes.MessageAttributeValue

	// GroupID and DeduplicationID are only set for FIFO queues.
	GroupID         string
	DeduplicationID string
}

// FromSQS converts an SDK message into a Message.
func FromSQS(m sqstypes.Message) Message {
	msg := Message{
		ID:                aws.ToString(m.MessageId),
		ReceiptHandle:     aws.ToString(m.ReceiptHandle),
		Body:              aws.ToString(m.Body),
		Attributes:        m.Attributes,
		MessageAttributes: m.MessageAttributes,
	}
	if m.Attributes != nil {
		msg.GroupID = m.Attributes[AttributeMessageGroupID]
		msg.DeduplicationID = m.Attributes[AttributeMessageDeduplicationID]
	}
	return msg
}

// ReceiveCount returns how many times the queue has delivered the message,
// or zero when the attribute is missing.
func (m Message) ReceiveCount() int {
	n, err := strconv.Atoi(m.Attributes[AttributeApproximateReceiveCount])
	if err != nil {
		return 0
	}
	return n
}
