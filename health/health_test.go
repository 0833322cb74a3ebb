package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/flowlayer/workflow/health"
	"github.com/flowlayer/workflow/queue"
	"github.com/flowlayer/workflow/queue/inmemqueue"
	"github.com/flowlayer/workflow/stream/inmemstream"
	"github.com/stretchr/testify/require"
)

func TestParsePingRecognizesHealthShape(t *testing.T) {
	id, ok := health.ParsePing([]byte(`{"__health":{"correlationId":"corr_1"}}`))
	require.True(t, ok)
	require.Equal(t, "corr_1", id)
}

func TestParsePingRejectsOrdinaryPayload(t *testing.T) {
	_, ok := health.ParsePing([]byte(`{"runId":"wrun_1"}`))
	require.False(t, ok)
}

func TestProbeRoundTripsThroughQueueAndStream(t *testing.T) {
	q := inmemqueue.New(time.Now)
	defer q.Close()
	streams := inmemstream.New()

	sub, err := q.CreateHandler(context.Background(), "__wkf_workflow_", func(ctx context.Context, msg queue.Message) (*queue.Redelivery, error) {
		correlationID, ok := health.ParsePing(msg.Payload)
		if !ok {
			return nil, nil
		}
		return nil, health.Respond(ctx, streams, correlationID, health.Status{OK: true, Message: "ready"})
	})
	require.NoError(t, err)
	defer sub.Close()

	status, err := health.Probe(context.Background(), q, streams, "__wkf_workflow_demo", "corr_probe_1", 2*time.Second)
	require.NoError(t, err)
	require.True(t, status.OK)
	require.Equal(t, "ready", status.Message)
}
