package inmemqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowlayer/workflow/queue"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDeliversToMatchingPrefix(t *testing.T) {
	q := New(nil)
	defer q.Close()

	received := make(chan queue.Message, 1)
	_, err := q.CreateHandler(context.Background(), "__wkf_workflow_", func(ctx context.Context, msg queue.Message) (*queue.Redelivery, error) {
		received <- msg
		return nil, nil
	})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(context.Background(), "__wkf_workflow_order", "wrun_1", []byte("payload")))

	select {
	case msg := <-received:
		require.Equal(t, "__wkf_workflow_order", msg.Topic)
		require.Equal(t, "wrun_1", msg.Key)
		require.Equal(t, 1, msg.Attempt)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestEnqueueCoalescesDuplicateKeys(t *testing.T) {
	q := New(nil)
	defer q.Close()

	var calls int32
	block := make(chan struct{})
	done := make(chan struct{})
	_, err := q.CreateHandler(context.Background(), "__wkf_workflow_", func(ctx context.Context, msg queue.Message) (*queue.Redelivery, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			<-block
		}
		close(done)
		return nil, nil
	})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(context.Background(), "__wkf_workflow_order", "wrun_1", []byte("first")))
	require.NoError(t, q.Enqueue(context.Background(), "__wkf_workflow_order", "wrun_1", []byte("second")))
	close(block)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRedeliveryHonorsAfterDuration(t *testing.T) {
	q := New(nil)
	defer q.Close()

	var calls int32
	done := make(chan struct{})
	_, err := q.CreateHandler(context.Background(), "__wkf_workflow_", func(ctx context.Context, msg queue.Message) (*queue.Redelivery, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return &queue.Redelivery{After: 10 * time.Millisecond}, nil
		}
		close(done)
		return nil, nil
	})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(context.Background(), "__wkf_workflow_order", "wrun_1", []byte("payload")))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for redelivery")
	}
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCloseStopsDelivery(t *testing.T) {
	q := New(nil)
	require.NoError(t, q.Close())

	err := q.Enqueue(context.Background(), "__wkf_workflow_order", "wrun_1", []byte("payload"))
	require.ErrorIs(t, err, queue.ErrClosed)
}
