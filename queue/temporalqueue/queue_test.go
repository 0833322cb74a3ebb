package temporalqueue_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/flowlayer/workflow/queue"
	"github.com/flowlayer/workflow/queue/temporalqueue"
)

// Skipped unless TEMPORAL_HOST_PORT points at a live Temporal frontend, the
// same gating store/mongo's integration test uses for MongoDB: there is no
// in-memory fake for the Temporal SDK's workflow/activity machinery.
func newTestQueue(t *testing.T) *temporalqueue.Queue {
	t.Helper()
	hostPort := os.Getenv("TEMPORAL_HOST_PORT")
	if hostPort == "" {
		t.Skip("TEMPORAL_HOST_PORT not set, skipping Temporal queue integration test")
	}

	c, err := temporalclient.Dial(temporalclient.Options{HostPort: hostPort})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	q := temporalqueue.New(c, "workflow-core-test")
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestTemporalQueueDeliversEnqueuedMessage(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []queue.Message
	sub, err := q.CreateHandler(ctx, "topic-temporalqueue-", func(_ context.Context, msg queue.Message) (*queue.Redelivery, error) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return nil, nil
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, q.Enqueue(ctx, "topic-temporalqueue-demo", "key-1", []byte(`{"n":1}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 15*time.Second, 100*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "key-1", got[0].Key)
	require.Equal(t, []byte(`{"n":1}`), got[0].Payload)
}

func TestTemporalQueueEnqueueAfterCloseReturnsErrClosed(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Close())
	err := q.Enqueue(context.Background(), "topic-temporalqueue-closed", "key", []byte(`{}`))
	require.ErrorIs(t, err, queue.ErrClosed)
}
