package engine

import (
	"encoding/json"
	"fmt"

	"github.com/flowlayer/workflow/consumer"
	"github.com/flowlayer/workflow/ids"
	"github.com/flowlayer/workflow/runlog"
	"github.com/flowlayer/workflow/serialize"
)

// SpawnAwaitable is a spawn invocation that has registered its pending
// item and event-log handler but has not yet been pumped against the log
// — built by NewSpawn so a spawn can be started alongside other durable
// primitives and passed to (*Context).All.
type SpawnAwaitable struct {
	childWorkflowName string
	resolved          bool
	childRunID        string
	rawErr            error
	handlerFn         consumer.Handler
}

func (a *SpawnAwaitable) handler() consumer.Handler { return a.handlerFn }
func (a *SpawnAwaitable) isResolved() bool          { return a.resolved }

// Result returns the spawned child's run id, or the spawn error. Only
// meaningful once this awaitable has been passed through All (or Spawn,
// which does so internally) and found resolved.
func (a *SpawnAwaitable) Result() (string, error) {
	if a.rawErr != nil {
		return "", fmt.Errorf("spawn %s: %w", a.childWorkflowName, a.rawErr)
	}
	return a.childRunID, nil
}

// NewSpawn builds a child-workflow spawn without subscribing it to the
// cursor yet. Most callers want Spawn; NewSpawn exists so a workflow body
// can start several spawns (or a spawn alongside steps/waits/hooks) as a
// group with All.
func (c *Context) NewSpawn(childWorkflowName string, input any) *SpawnAwaitable {
	correlationID := c.ids.Next(ids.PrefixStep)
	item := &PendingItem{
		Kind:              KindSpawn,
		CorrelationID:     correlationID,
		ChildWorkflowName: childWorkflowName,
		ChildInput:        input,
	}
	c.pending[correlationID] = item

	aw := &SpawnAwaitable{childWorkflowName: childWorkflowName}
	aw.handlerFn = func(e *runlog.Event) consumer.Disposition {
		if e == nil {
			return consumer.NotConsumed
		}
		if e.CorrelationID != correlationID {
			return consumer.NotConsumed
		}
		switch e.EventType {
		case runlog.EventStepCreated:
			item.HasCreatedEvent = true
			return consumer.Consumed
		case runlog.EventStepStarted, runlog.EventStepRetrying:
			return consumer.Consumed
		case runlog.EventStepCompleted:
			var data runlog.StepCompletedData
			if err := json.Unmarshal(e.EventData, &data); err != nil {
				c.fatal(correlationID, "malformed step_completed payload: "+err.Error())
			}
			v, err := c.stepCodec.Decode([]byte(data.Result))
			if err != nil {
				c.fatal(correlationID, "failed to hydrate child run id: "+err.Error())
			}
			id, ok := v.(string)
			if !ok {
				c.fatal(correlationID, "spawn result was not a run id string")
			}
			aw.childRunID = id
			aw.resolved = true
			delete(c.pending, correlationID)
			return consumer.Finished
		case runlog.EventStepFailed:
			var data runlog.StepFailedData
			if err := json.Unmarshal(e.EventData, &data); err != nil {
				c.fatal(correlationID, "malformed step_failed payload: "+err.Error())
			}
			aw.rawErr = &serialize.ReconstructedError{Message: data.Error.Message, OriginStack: data.Error.Stack}
			aw.resolved = true
			delete(c.pending, correlationID)
			return consumer.Finished
		default:
			c.fatal(correlationID, "unexpected event type "+string(e.EventType)+" for spawn correlation")
			return consumer.NotConsumed
		}
	}
	return aw
}

// Spawn starts a child workflow run (spec.md §4.E "Spawn workflow ...
// internally uses a step whose body calls start(); only the child runId
// crosses back."). It is step-shaped for replay purposes — the same
// created/started/completed/failed state machine applies — but is tagged
// KindSpawn so the suspension handler (§4.I) knows to call start() for the
// child rather than enqueue an ordinary step message. To start a spawn
// alongside other durable primitives in one pass, use NewSpawn with All.
func (c *Context) Spawn(childWorkflowName string, input any) (string, error) {
	aw := c.NewSpawn(childWorkflowName, input)
	c.cursor.Subscribe(aw.handlerFn)
	if !aw.resolved {
		c.suspend()
	}
	return aw.Result()
}
