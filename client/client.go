// Package client implements the public API a host process embeds to start
// and observe workflow runs (spec.md §4.L): Client.Start creates a run and
// hands the first workflow delivery to the queue, and the returned Handle
// lets a caller wait for completion, poll status, or tail a stream without
// any durable-execution machinery of its own.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowlayer/workflow/ids"
	"github.com/flowlayer/workflow/queue"
	"github.com/flowlayer/workflow/run"
	"github.com/flowlayer/workflow/serialize"
	"github.com/flowlayer/workflow/stream"
)

const workflowTopicPrefix = "__wkf_workflow_"

// workflowTopic mirrors handler.WorkflowTopic without importing handler,
// which would create an import cycle (handler.Deps.Starter is satisfied by
// *Client).
func workflowTopic(workflowName string) string { return workflowTopicPrefix + workflowName }

// workflowMessage mirrors handler.WorkflowMessage's wire shape, kept as an
// unexported duplicate rather than an import for the same reason.
type workflowMessage struct {
	RunID        string            `json:"runId"`
	TraceCarrier map[string]string `json:"traceCarrier,omitempty"`
	RequestedAt  time.Time         `json:"requestedAt"`
}

// Client is the entry point a host process constructs once and shares
// across every Start call.
type Client struct {
	Runs     run.Store
	Queue    queue.Queue
	Streams  stream.Store
	Registry *serialize.Registry
	Clock    func() time.Time
}

func (c *Client) clock() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// Start creates a new run for workflowName with the given input and enqueues
// its first workflow delivery, returning immediately — it does not wait for
// the run to make progress. Satisfies handler.Starter, so the suspension
// handler's spawn resolution can call it directly for child runs.
func (c *Client) Start(ctx context.Context, workflowName string, input any) (string, error) {
	codec := &serialize.Codec{Boundary: serialize.ExternalBoundary, Registry: c.Registry, Operation: "workflow arguments"}
	payload, err := codec.Encode([]any{input})
	if err != nil {
		return "", fmt.Errorf("client: encode input for %s: %w", workflowName, err)
	}

	runID := ids.New(ids.PrefixRun)
	now := c.clock()
	if err := c.Runs.Create(ctx, &run.Run{
		RunID:        runID,
		WorkflowName: workflowName,
		Status:       run.StatusPending,
		CreatedAt:    now,
		Input:        json.RawMessage(payload),
		SpecVersion:  2,
	}); err != nil {
		return "", fmt.Errorf("client: create run %s: %w", runID, err)
	}

	msg, err := json.Marshal(workflowMessage{RunID: runID, RequestedAt: now})
	if err != nil {
		return "", fmt.Errorf("client: encode workflow message: %w", err)
	}
	if err := c.Queue.Enqueue(ctx, workflowTopic(workflowName), runID, msg); err != nil {
		return "", fmt.Errorf("client: enqueue run %s: %w", runID, err)
	}
	return runID, nil
}

// Handle returns a reference to an existing run for status/output/stream
// observation, without validating it exists yet — callers that want to
// fail fast should call Status first.
func (c *Client) Handle(runID string) *Handle {
	return &Handle{RunID: runID, client: c}
}
