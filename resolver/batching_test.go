package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hatsunemiku3939/sqslistener/pkg/sqstest"
)

// succeedAll answers every DeleteMessageBatch call with all entries successful
// and records the receipt handles of each call.
func succeedAll(client *sqstest.MockClient) *[][]string {
	var (
		mu    sync.Mutex
		calls [][]string
	)
	client.On("DeleteMessageBatch", mock.Anything, mock.Anything).
		Return(func(_ context.Context, in *sqs.DeleteMessageBatchInput) *sqs.DeleteMessageBatchOutput {
			out := &sqs.DeleteMessageBatchOutput{}
			handles := make([]string, 0, len(in.Entries))
			for _, e := range in.Entries {
				out.Successful = append(out.Successful, sqstypes.DeleteMessageBatchResultEntry{Id: e.Id})
				handles = append(handles, *e.ReceiptHandle)
			}
			mu.Lock()
			calls = append(calls, handles)
			mu.Unlock()
			return out
		}, nil)
	return &calls
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("resolution did not complete")
		return nil
	}
}

func TestBatching_FlushesOnPeriod(t *testing.T) {
	client := new(sqstest.MockClient)
	calls := succeedAll(client)

	r := NewBatching(client, testQueue, WithBatchSize(3), WithBufferPeriod(50*time.Millisecond))
	require.NoError(t, r.Start())
	defer r.Stop(context.Background())

	a := r.Resolve(context.Background(), testMessage("a"))
	b := r.Resolve(context.Background(), testMessage("b"))

	require.NoError(t, wait(t, a))
	require.NoError(t, wait(t, b))

	client.AssertNumberOfCalls(t, "DeleteMessageBatch", 1)
	require.Len(t, *calls, 1)
	assert.Equal(t, []string{"rh-a", "rh-b"}, (*calls)[0])
}

func TestBatching_FlushesOnSize(t *testing.T) {
	client := new(sqstest.MockClient)
	calls := succeedAll(client)

	r := NewBatching(client, testQueue, WithBatchSize(3), WithBufferPeriod(time.Hour))
	require.NoError(t, r.Start())
	defer r.Stop(context.Background())

	var results []<-chan error
	for _, id := range []string{"a", "b", "c"} {
		results = append(results, r.Resolve(context.Background(), testMessage(id)))
	}
	for _, ch := range results {
		require.NoError(t, wait(t, ch))
	}
	assert.Equal(t, [][]string{{"rh-a", "rh-b", "rh-c"}}, *calls)
}

func TestBatching_PartialFailure(t *testing.T) {
	client := new(sqstest.MockClient)
	client.On("DeleteMessageBatch", mock.Anything, mock.Anything).Return(&sqs.DeleteMessageBatchOutput{
		Successful: []sqstypes.DeleteMessageBatchResultEntry{{Id: aws.String("0")}},
		Failed: []sqstypes.BatchResultErrorEntry{{
			Id:          aws.String("1"),
			Code:        aws.String("ReceiptHandleIsInvalid"),
			Message:     aws.String("expired"),
			SenderFault: true,
		}},
	}, nil).Once()

	r := NewBatching(client, testQueue, WithBatchSize(3), WithBufferPeriod(20*time.Millisecond))
	require.NoError(t, r.Start())
	defer r.Stop(context.Background())

	ok := r.Resolve(context.Background(), testMessage("ok"))
	bad := r.Resolve(context.Background(), testMessage("bad"))

	assert.NoError(t, wait(t, ok))

	err := wait(t, bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeleteFailed)
	var entryErr *EntryError
	require.ErrorAs(t, err, &entryErr)
	assert.Equal(t, "bad", entryErr.MessageID)
	assert.Equal(t, "ReceiptHandleIsInvalid", entryErr.Code)
	assert.True(t, entryErr.SenderFault)

	client.AssertNumberOfCalls(t, "DeleteMessageBatch", 1)
}

func TestBatching_MissingEntryIsFailed(t *testing.T) {
	client := new(sqstest.MockClient)
	client.On("DeleteMessageBatch", mock.Anything, mock.Anything).Return(&sqs.DeleteMessageBatchOutput{}, nil).Once()

	r := NewBatching(client, testQueue, WithBatchSize(1))
	require.NoError(t, r.Start())
	defer r.Stop(context.Background())

	err := wait(t, r.Resolve(context.Background(), testMessage("lost")))
	assert.ErrorIs(t, err, ErrDeleteFailed)
}

func TestBatching_RetriesTransportFailure(t *testing.T) {
	client := new(sqstest.MockClient)
	client.On("DeleteMessageBatch", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset")).Once()
	succeedAll(client)

	r := NewBatching(client, testQueue, WithBatchSize(1), WithRetryBackoff(time.Millisecond))
	require.NoError(t, r.Start())
	defer r.Stop(context.Background())

	assert.NoError(t, wait(t, r.Resolve(context.Background(), testMessage("a"))))
	client.AssertNumberOfCalls(t, "DeleteMessageBatch", 2)
}

func TestBatching_GivesUpAfterMaxAttempts(t *testing.T) {
	client := new(sqstest.MockClient)
	client.On("DeleteMessageBatch", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

	r := NewBatching(client, testQueue, WithBatchSize(2), WithMaxAttempts(3), WithRetryBackoff(time.Millisecond))
	require.NoError(t, r.Start())
	defer r.Stop(context.Background())

	a := r.Resolve(context.Background(), testMessage("a"))
	b := r.Resolve(context.Background(), testMessage("b"))
	assert.ErrorIs(t, wait(t, a), ErrDeleteFailed)
	assert.ErrorIs(t, wait(t, b), ErrDeleteFailed)
	client.AssertNumberOfCalls(t, "DeleteMessageBatch", 3)
}

func TestBatching_DrainsOnStop(t *testing.T) {
	client := new(sqstest.MockClient)
	calls := succeedAll(client)

	r := NewBatching(client, testQueue, WithBatchSize(10), WithBufferPeriod(time.Hour))
	require.NoError(t, r.Start())

	var results []<-chan error
	for _, id := range []string{"a", "b"} {
		results = append(results, r.Resolve(context.Background(), testMessage(id)))
	}

	require.NoError(t, r.Stop(context.Background()))
	for _, ch := range results {
		select {
		case err := <-ch:
			assert.NoError(t, err)
		default:
			t.Fatal("entry still pending after Stop returned")
		}
	}
	assert.Equal(t, [][]string{{"rh-a", "rh-b"}}, *calls)
}

func TestBatching_Lifecycle(t *testing.T) {
	client := new(sqstest.MockClient)
	r := NewBatching(client, testQueue)

	assert.ErrorIs(t, wait(t, r.Resolve(context.Background(), testMessage("early"))), ErrNotRunning)
	assert.ErrorIs(t, r.Stop(context.Background()), ErrNotRunning)

	require.NoError(t, r.Start())
	assert.ErrorIs(t, r.Start(), ErrAlreadyRunning)
	require.NoError(t, r.Stop(context.Background()))

	assert.ErrorIs(t, wait(t, r.Resolve(context.Background(), testMessage("late"))), ErrNotRunning)
	client.AssertNotCalled(t, "DeleteMessageBatch", mock.Anything, mock.Anything)
}

func TestBatching_RejectsDuplicatePending(t *testing.T) {
	client := new(sqstest.MockClient)
	calls := succeedAll(client)

	r := NewBatching(client, testQueue, WithBatchSize(10), WithBufferPeriod(30*time.Millisecond))
	require.NoError(t, r.Start())
	defer r.Stop(context.Background())

	first := r.Resolve(context.Background(), testMessage("a"))
	dup := r.Resolve(context.Background(), testMessage("a"))

	assert.ErrorIs(t, wait(t, dup), ErrAlreadyPending)
	assert.NoError(t, wait(t, first))
	assert.Equal(t, [][]string{{"rh-a"}}, *calls)
}
