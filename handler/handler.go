// Package handler implements the three message-driven collaborators that
// drive a workflow run forward: the workflow handler (spec.md §4.G), the
// step handler (§4.H), and the suspension handler (§4.I). Together they
// turn queue deliveries into event-log appends and the engine's replay
// passes into further deliveries, closing the loop described in spec.md §2.
package handler

import (
	"context"
	"time"

	"github.com/flowlayer/workflow/engine"
	"github.com/flowlayer/workflow/health"
	"github.com/flowlayer/workflow/queue"
	"github.com/flowlayer/workflow/run"
	"github.com/flowlayer/workflow/runlog"
	"github.com/flowlayer/workflow/serialize"
	"github.com/flowlayer/workflow/sourcemap"
	"github.com/flowlayer/workflow/stream"
	"github.com/flowlayer/workflow/telemetry"
)

// Starter starts a child workflow run, implemented by the client package.
// Named narrowly here to avoid handler depending on client (which itself
// depends on handler's message shapes to start runs).
type Starter interface {
	Start(ctx context.Context, workflowName string, input any) (runID string, err error)
}

// Deps bundles every collaborator the three handlers need. A single Deps is
// typically shared by all three, constructed once by cmd/workflowd.
type Deps struct {
	Runs      run.Store
	Events    runlog.Store
	Queue     queue.Queue
	Streams   stream.Store
	Registry  *serialize.Registry
	Workflows map[string]engine.WorkflowFunc
	Starter   Starter
	Tokens    TokenIndex
	Remap     *sourcemap.Document
	Retry     RetryPolicy
	Clock     func() time.Time
	Logger    telemetry.Logger
}

func (d *Deps) clock() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func (d *Deps) logger() telemetry.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return telemetry.NewNoopLogger()
}

func (d *Deps) retryPolicy() RetryPolicy {
	if d.Retry == (RetryPolicy{}) {
		return DefaultRetryPolicy
	}
	return d.Retry
}

// respondToHealthPing answers a "__health" probe if msg.Payload is one,
// reporting whether it handled the delivery (spec.md §4.G step 1 / §4.J).
func respondToHealthPing(ctx context.Context, streams stream.Store, msg queue.Message) (bool, error) {
	correlationID, ok := health.ParsePing(msg.Payload)
	if !ok {
		return false, nil
	}
	return true, health.Respond(ctx, streams, correlationID, health.Status{OK: true})
}
