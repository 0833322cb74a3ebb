package client

import (
	"context"
	"fmt"
	"time"

	"github.com/flowlayer/workflow/run"
	"github.com/flowlayer/workflow/serialize"
	"github.com/flowlayer/workflow/stream"
)

// defaultPollInterval bounds how often Wait re-reads the run store while
// polling for a terminal status. The runtime has no push notification for
// run completion (spec.md's store is read/patch, not pub-sub), so Wait
// polls, mirroring how a human operator would watch the run record.
const defaultPollInterval = 100 * time.Millisecond

// Handle is a lightweight reference to one run (spec.md §4.L, grounded on
// the teacher's engine.WorkflowHandle: Wait/Signal/Cancel over a started
// execution). Handle carries no state of its own beyond the run id and a
// reference back to the Client whose stores it reads.
type Handle struct {
	RunID  string
	client *Client
}

// Status returns the run's current snapshot.
func (h *Handle) Status(ctx context.Context) (*run.Run, error) {
	return h.client.Runs.Get(ctx, h.RunID)
}

// Wait blocks until the run reaches a terminal status or ctx is cancelled,
// then returns the hydrated output (for StatusCompleted) or the run's
// recorded failure (for StatusFailed/StatusCancelled) as an error.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	for {
		r, err := h.client.Runs.Get(ctx, h.RunID)
		if err != nil {
			return nil, fmt.Errorf("client: wait for run %s: %w", h.RunID, err)
		}
		if r.Status.Terminal() {
			return h.outcome(r)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Output returns the run's hydrated return value, erroring if the run has
// not completed successfully yet.
func (h *Handle) Output(ctx context.Context) (any, error) {
	r, err := h.client.Runs.Get(ctx, h.RunID)
	if err != nil {
		return nil, fmt.Errorf("client: output for run %s: %w", h.RunID, err)
	}
	if r.Status != run.StatusCompleted {
		return nil, fmt.Errorf("client: run %s has not completed (status %q)", h.RunID, r.Status)
	}
	return h.decodeOutput(r)
}

func (h *Handle) outcome(r *run.Run) (any, error) {
	switch r.Status {
	case run.StatusCompleted:
		return h.decodeOutput(r)
	case run.StatusFailed:
		if r.Error != nil {
			return nil, fmt.Errorf("client: run %s failed: %s", r.RunID, r.Error.Message)
		}
		return nil, fmt.Errorf("client: run %s failed", r.RunID)
	default:
		return nil, fmt.Errorf("client: run %s ended with status %q", r.RunID, r.Status)
	}
}

func (h *Handle) decodeOutput(r *run.Run) (any, error) {
	codec := &serialize.Codec{Boundary: serialize.ExternalBoundary, Registry: h.client.Registry, Operation: "workflow return value"}
	return codec.Decode(r.Output)
}

// Stream opens a tail-following reader over the named stream the run
// writes to (e.g. a step's stdout-shaped output), scoped to this run.
func (h *Handle) Stream(ctx context.Context, name string, fromIndex int) (stream.Reader, error) {
	return h.client.Streams.ReadFromStream(ctx, h.RunID, name, fromIndex)
}
