package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowlayer/workflow/engine"
	"github.com/flowlayer/workflow/queue"
	"github.com/flowlayer/workflow/run"
	"github.com/flowlayer/workflow/runlog"
	"github.com/flowlayer/workflow/serialize"
)

// Workflow implements the workflow handler described in spec.md §4.G: each
// delivery of a "__wkf_workflow_<name>" message drives one replay pass.
type Workflow struct {
	*Deps
}

// NewWorkflow returns a Workflow handler sharing deps with the other
// handlers constructed from the same Deps.
func NewWorkflow(deps *Deps) *Workflow { return &Workflow{Deps: deps} }

// HandleMessage implements queue.Handler.
func (h *Workflow) HandleMessage(ctx context.Context, msg queue.Message) (*queue.Redelivery, error) {
	// Step 1: health-check short-circuit (spec.md §4.J), before payload
	// parsing.
	if handled, err := respondToHealthPing(ctx, h.Streams, msg); handled {
		return nil, err
	}

	// Step 2: parse {runId, traceCarrier, requestedAt}; the workflow name
	// is derived from the topic, not the payload.
	var wm WorkflowMessage
	if err := json.Unmarshal(msg.Payload, &wm); err != nil {
		return nil, fmt.Errorf("handler: decode workflow message: %w", err)
	}
	workflowName := workflowNameFromTopic(msg.Topic)

	// Step 3: load the run and transition pending -> running.
	rec, err := h.Runs.Get(ctx, wm.RunID)
	if err != nil {
		return nil, fmt.Errorf("handler: load run %s: %w", wm.RunID, err)
	}
	switch {
	case rec.Status.Terminal():
		h.logger().Info(ctx, "workflow message for terminal run, ignoring", "runId", wm.RunID, "status", string(rec.Status))
		return nil, nil
	case rec.Status == run.StatusPending:
		startedAt := h.clock()
		rec, err = h.Events.AppendAndTransition(ctx, &runlog.Event{RunID: wm.RunID, EventType: runlog.EventRunStarted}, wm.RunID, func(r *run.Run) {
			r.Status = run.StatusRunning
			r.StartedAt = startedAt
		})
		if err != nil {
			return nil, fmt.Errorf("handler: transition run %s to running: %w", wm.RunID, err)
		}
	case rec.Status == run.StatusRunning:
		// The previous execution suspended; proceed without a new event.
	default:
		return nil, fmt.Errorf("handler: run %s in unexpected status %q", wm.RunID, rec.Status)
	}

	// Step 4: load the full event log.
	events, err := h.Events.All(ctx, wm.RunID)
	if err != nil {
		return nil, fmt.Errorf("handler: load events for run %s: %w", wm.RunID, err)
	}

	// Step 5: synthesize due wait_completed events.
	now := h.clock()
	events, err = synthesizeDueWaits(ctx, h.Events, wm.RunID, events, now)
	if err != nil {
		return nil, err
	}

	// Step 6: invoke the engine. An unregistered workflow name fails
	// naturally rather than being validated up front (spec.md §4.G).
	outcome := h.replay(ctx, workflowName, wm.RunID, rec.Input, events, rec.StartedAt)

	switch outcome.Kind {
	case engine.OutcomeCompleted:
		// Step 7.
		return nil, h.complete(ctx, wm.RunID, outcome.Value)
	case engine.OutcomeSuspended:
		// Step 8.
		return h.suspension().handle(ctx, wm.RunID, workflowName, outcome.Pending, events, now)
	default:
		// Step 9.
		return nil, h.fail(ctx, wm.RunID, outcome.Err)
	}
}

// replay invokes the engine with a clock frozen to startedAt rather than
// h.Clock: ids.Factory mints a correlationId on every call, one per replay
// pass, and a run gets replayed by however many separate handler deliveries
// it takes to resolve — at different real times. Seeding the ID factory off
// the live wall clock would mint a different correlationId for the same
// logical primitive on each pass, so the regenerated ID would never match
// what an earlier pass already wrote to the event log. Freezing the clock
// to the run's own StartedAt (fixed once, at the pending->running
// transition) keeps every pass's ID sequence identical to every other's.
func (h *Workflow) replay(ctx context.Context, workflowName, runID string, input json.RawMessage, events []*runlog.Event, startedAt time.Time) engine.Outcome {
	fn, ok := h.Workflows[workflowName]
	if !ok {
		return engine.Outcome{Kind: engine.OutcomeFailed, Err: fmt.Errorf("%w: %q", ErrUnknownWorkflow, workflowName)}
	}
	args, err := decodeRunInput(h.Registry, input)
	if err != nil {
		return engine.Outcome{Kind: engine.OutcomeFailed, Err: fmt.Errorf("handler: decode run input: %w", err)}
	}
	frozen := func() time.Time { return startedAt }
	return engine.Run(ctx, fn, runID, events, args, frozen, h.Registry)
}

func (h *Workflow) complete(ctx context.Context, runID string, value any) error {
	codec := &serialize.Codec{Boundary: serialize.IntraRunBoundary, Registry: h.Registry, Operation: "workflow return value"}
	payload, err := codec.Encode(value)
	if err != nil {
		return fmt.Errorf("handler: serialize run %s return value: %w", runID, err)
	}
	data, err := json.Marshal(runlog.RunCompletedData{Output: string(payload)})
	if err != nil {
		return fmt.Errorf("handler: encode run_completed payload: %w", err)
	}
	completedAt := h.clock()
	_, err = h.Events.AppendAndTransition(ctx, &runlog.Event{RunID: runID, EventType: runlog.EventRunCompleted, EventData: data}, runID, func(r *run.Run) {
		r.Status = run.StatusCompleted
		r.CompletedAt = completedAt
		r.Output = json.RawMessage(payload)
	})
	if err != nil {
		return fmt.Errorf("handler: append run_completed: %w", err)
	}
	return nil
}

func (h *Workflow) fail(ctx context.Context, runID string, cause error) error {
	message, stack := errorDetail(cause)
	if h.Remap != nil {
		stack = h.Remap.Remap(stack)
	}
	data, err := json.Marshal(runlog.RunFailedData{Error: runlog.ErrorData{Message: message, Stack: stack}})
	if err != nil {
		return fmt.Errorf("handler: encode run_failed payload: %w", err)
	}
	completedAt := h.clock()
	_, err = h.Events.AppendAndTransition(ctx, &runlog.Event{RunID: runID, EventType: runlog.EventRunFailed, EventData: data}, runID, func(r *run.Run) {
		r.Status = run.StatusFailed
		r.CompletedAt = completedAt
		r.Error = &run.Failure{Message: message, Stack: stack}
	})
	if err != nil {
		return fmt.Errorf("handler: append run_failed: %w", err)
	}
	return nil
}

// errorDetail extracts a message/stack pair from cause, recovering the
// original stack trace when cause is a reconstructed step/spawn error
// (spec.md §4.D "Error").
func errorDetail(cause error) (message, stack string) {
	var reconstructed *serialize.ReconstructedError
	if errors.As(cause, &reconstructed) {
		return reconstructed.Message, reconstructed.Stack()
	}
	return cause.Error(), ""
}

func (h *Workflow) suspension() *suspensionHandler { return &suspensionHandler{Deps: h.Deps} }

// decodeRunInput hydrates a run's stored Input (external boundary) back
// into the argument list passed to the workflow function.
func decodeRunInput(reg *serialize.Registry, input json.RawMessage) ([]any, error) {
	codec := &serialize.Codec{Boundary: serialize.ExternalBoundary, Registry: reg, Operation: "workflow arguments"}
	v, err := codec.Decode(input)
	if err != nil {
		return nil, err
	}
	args, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("handler: workflow input did not decode to an argument list")
	}
	return args, nil
}

// synthesizeDueWaits appends a wait_completed event for every wait_created
// whose resumeAt has passed and which has no existing completion (spec.md
// §4.G step 5), returning events extended with whatever it appended so the
// same replay pass observes them.
func synthesizeDueWaits(ctx context.Context, store runlog.Store, runID string, events []*runlog.Event, now time.Time) ([]*runlog.Event, error) {
	type waitState struct {
		created   *runlog.Event
		completed bool
	}
	states := make(map[string]*waitState)
	var order []string
	for _, e := range events {
		switch e.EventType {
		case runlog.EventWaitCreated:
			states[e.CorrelationID] = &waitState{created: e}
			order = append(order, e.CorrelationID)
		case runlog.EventWaitCompleted:
			if s, ok := states[e.CorrelationID]; ok {
				s.completed = true
			}
		}
	}
	for _, id := range order {
		s := states[id]
		if s.completed {
			continue
		}
		var data runlog.WaitCreatedData
		if err := json.Unmarshal(s.created.EventData, &data); err != nil {
			return events, fmt.Errorf("handler: malformed wait_created payload for %s: %w", id, err)
		}
		if data.ResumeAt.After(now) {
			continue
		}
		ev := &runlog.Event{RunID: runID, EventType: runlog.EventWaitCompleted, CorrelationID: id}
		if err := store.Append(ctx, ev); err != nil {
			return events, fmt.Errorf("handler: append synthesized wait_completed for %s: %w", id, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
