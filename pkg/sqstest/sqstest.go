// Package sqstest provides a testify mock of the SQS client and helpers for
// building SDK messages in tests.
package sqstest

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/mock"
)

// MockClient implements types.SQSClient with testify's mock.Mock.
// ReceiveMessage and DeleteMessageBatch also accept a function as the first
// return value to compute the output from the input.
type MockClient struct{ mock.Mock }

func (m *MockClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, params)
	if fn, ok := args.Get(0).(func(context.Context, *sqs.ReceiveMessageInput) *sqs.ReceiveMessageOutput); ok {
		return fn(ctx, params), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ReceiveMessageOutput), args.Error(1)
}

func (m *MockClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.DeleteMessageOutput), args.Error(1)
}

func (m *MockClient) DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	args := m.Called(ctx, params)
	if fn, ok := args.Get(0).(func(context.Context, *sqs.DeleteMessageBatchInput) *sqs.DeleteMessageBatchOutput); ok {
		return fn(ctx, params), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.DeleteMessageBatchOutput), args.Error(1)
}

func (m *MockClient) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ChangeMessageVisibilityOutput), args.Error(1)
}

// BlockUntilDone is a mock Run function that waits for the call's context to
// be cancelled. Pair it with Return(nil, context.Canceled) to model an idle
// long poll.
func BlockUntilDone(args mock.Arguments) {
	<-args.Get(0).(context.Context).Done()
}

// Message builds an SDK message whose id, receipt handle and body derive from id.
func Message(id string) sqstypes.Message {
	return sqstypes.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(fmt.Sprintf(`{"id":%q}`, id)),
	}
}

// GroupMessage builds a FIFO SDK message belonging to group.
func GroupMessage(id, group string) sqstypes.Message {
	m := Message(id)
	m.Attributes = map[string]string{"MessageGroupId": group}
	return m
}

// Received wraps messages in a ReceiveMessageOutput.
func Received(msgs ...sqstypes.Message) *sqs.ReceiveMessageOutput {
	return &sqs.ReceiveMessageOutput{Messages: msgs}
}

// Messages builds n messages with ids prefix-0 .. prefix-(n-1).
func Messages(prefix string, n int) []sqstypes.Message {
	out := make([]sqstypes.Message, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Message(fmt.Sprintf("%s-%d", prefix, i)))
	}
	return out
}
