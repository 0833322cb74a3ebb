package client_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/flowlayer/workflow/client"
	"github.com/flowlayer/workflow/queue"
	"github.com/flowlayer/workflow/queue/inmemqueue"
	"github.com/flowlayer/workflow/run"
	"github.com/flowlayer/workflow/serialize"
	"github.com/flowlayer/workflow/stream/inmemstream"
	"github.com/stretchr/testify/require"
)

type memRunStore struct {
	mu   sync.Mutex
	runs map[string]*run.Run
}

func newMemRunStore() *memRunStore { return &memRunStore{runs: make(map[string]*run.Run)} }

func (s *memRunStore) Create(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[r.RunID]; exists {
		return run.ErrConflict
	}
	cp := *r
	s.runs[r.RunID] = &cp
	return nil
}

func (s *memRunStore) Get(_ context.Context, runID string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, run.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memRunStore) Update(_ context.Context, runID string, patch func(*run.Run)) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, run.ErrNotFound
	}
	patch(r)
	cp := *r
	return &cp, nil
}

func newTestClient(t *testing.T) (*client.Client, *memRunStore) {
	t.Helper()
	q := inmemqueue.New(time.Now)
	t.Cleanup(func() { _ = q.Close() })
	runs := newMemRunStore()
	return &client.Client{
		Runs:     runs,
		Queue:    q,
		Streams:  inmemstream.New(),
		Registry: serialize.NewRegistry(),
	}, runs
}

func TestStartCreatesPendingRunAndEnqueuesWorkflowMessage(t *testing.T) {
	c, runs := newTestClient(t)
	ctx := context.Background()

	var delivered queue.Message
	gotMessage := make(chan struct{})
	_, err := c.Queue.CreateHandler(ctx, "__wkf_workflow_", func(_ context.Context, msg queue.Message) (*queue.Redelivery, error) {
		delivered = msg
		close(gotMessage)
		return nil, nil
	})
	require.NoError(t, err)

	runID, err := c.Start(ctx, "greet", "world")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	r, err := runs.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, run.StatusPending, r.Status)
	require.Equal(t, "greet", r.WorkflowName)

	select {
	case <-gotMessage:
	case <-time.After(time.Second):
		t.Fatal("workflow message was never delivered")
	}
	require.Equal(t, "__wkf_workflow_greet", delivered.Topic)
	require.Equal(t, runID, delivered.Key)
}

func TestHandleWaitReturnsOutputAfterCompletion(t *testing.T) {
	c, runs := newTestClient(t)
	ctx := context.Background()

	runID, err := c.Start(ctx, "greet", "world")
	require.NoError(t, err)

	codec := &serialize.Codec{Boundary: serialize.ExternalBoundary, Registry: c.Registry}
	payload, err := codec.Encode("hello world")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = runs.Update(ctx, runID, func(r *run.Run) {
			r.Status = run.StatusCompleted
			r.Output = json.RawMessage(payload)
		})
	}()

	handle := c.Handle(runID)
	out, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello world", out)
}

func TestHandleWaitReturnsErrorForFailedRun(t *testing.T) {
	c, runs := newTestClient(t)
	ctx := context.Background()

	runID, err := c.Start(ctx, "greet", "world")
	require.NoError(t, err)

	_, err = runs.Update(ctx, runID, func(r *run.Run) {
		r.Status = run.StatusFailed
		r.Error = &run.Failure{Message: "boom"}
	})
	require.NoError(t, err)

	_, err = c.Handle(runID).Wait(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}
