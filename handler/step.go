package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowlayer/workflow/queue"
	"github.com/flowlayer/workflow/runlog"
	"github.com/flowlayer/workflow/serialize"
)

// Step implements the step handler described in spec.md §4.H: each
// delivery of a "__wkf_step_<stepId>" message runs one attempt of a step
// body and records its outcome. Retries are requested by returning a
// *queue.Redelivery for the message being handled right now — the queue
// backend owns redelivering the same (topic, key) pair with Attempt
// incremented, so the handler never re-enqueues a step message itself.
type Step struct {
	*Deps
}

// NewStep returns a Step handler. A single instance serves every step of
// every registered workflow: HandleMessage looks up the owning run to learn
// which workflow to resume, the same way Webhook.Deliver does, rather than
// being bound to one workflow name at construction.
func NewStep(deps *Deps) *Step {
	return &Step{Deps: deps}
}

// HandleMessage implements queue.Handler.
func (h *Step) HandleMessage(ctx context.Context, msg queue.Message) (*queue.Redelivery, error) {
	if handled, err := respondToHealthPing(ctx, h.Streams, msg); handled {
		return nil, err
	}

	var sm StepMessage
	if err := json.Unmarshal(msg.Payload, &sm); err != nil {
		return nil, fmt.Errorf("handler: decode step message: %w", err)
	}
	sm.Attempt = msg.Attempt
	stepID := stepIDFromTopic(msg.Topic)

	// Step 1: record the attempt starting.
	startedData, err := json.Marshal(runlog.StepStartedData{Attempt: sm.Attempt})
	if err != nil {
		return nil, fmt.Errorf("handler: encode step_started payload: %w", err)
	}
	if err := h.Events.Append(ctx, &runlog.Event{RunID: sm.RunID, EventType: runlog.EventStepStarted, CorrelationID: sm.CorrelationID, EventData: startedData}); err != nil {
		return nil, fmt.Errorf("handler: append step_started: %w", err)
	}

	// Step 2: hydrate args/thisVal/closureVars via step-boundary revivers.
	codec := &serialize.Codec{Boundary: serialize.StepBoundary, Registry: h.Registry, Operation: "step invocation"}
	args, thisVal, closureVars, err := decodeStepMessage(codec, sm)
	if err != nil {
		return nil, h.terminate(ctx, sm, fmt.Errorf("handler: hydrate step invocation: %w", err))
	}

	descriptor, ok := h.Registry.Step(stepID)
	if !ok {
		return nil, h.terminate(ctx, sm, fmt.Errorf("%w: %q", ErrUnknownStep, stepID))
	}

	invokeCtx := ctx
	if len(closureVars) > 0 {
		invokeCtx = withClosureVars(ctx, closureVars)
	}

	// Step 3: invoke the step body.
	result, stepErr := descriptor.Invoke(invokeCtx, thisVal, args)
	if stepErr == nil {
		// Step 4: success.
		return nil, h.succeed(ctx, sm, result)
	}

	// Step 5: consult the retry policy.
	retry, after := classify(stepErr, sm.Attempt, h.retryPolicy())
	if !retry {
		return nil, h.terminate(ctx, sm, stepErr)
	}
	return h.retry(ctx, sm, after)
}

func decodeStepMessage(codec *serialize.Codec, sm StepMessage) (args []any, thisVal any, closureVars map[string]any, err error) {
	argsVal, err := codec.Decode([]byte(sm.ArgsPayload))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("args: %w", err)
	}
	args, ok := argsVal.([]any)
	if !ok {
		return nil, nil, nil, fmt.Errorf("args did not decode to a list")
	}
	if sm.ThisPayload != "" {
		if thisVal, err = codec.Decode([]byte(sm.ThisPayload)); err != nil {
			return nil, nil, nil, fmt.Errorf("thisVal: %w", err)
		}
	}
	if sm.ClosurePayload != "" {
		cvVal, err := codec.Decode([]byte(sm.ClosurePayload))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("closureVars: %w", err)
		}
		closureVars, ok = cvVal.(map[string]any)
		if !ok {
			return nil, nil, nil, fmt.Errorf("closureVars did not decode to a map")
		}
	}
	return args, thisVal, closureVars, nil
}

// succeed serializes the step's result across the step->run boundary,
// appends step_completed, and re-enqueues the workflow delivery.
func (h *Step) succeed(ctx context.Context, sm StepMessage, result any) error {
	codec := &serialize.Codec{Boundary: serialize.StepBoundary, Registry: h.Registry, Operation: "step result"}
	payload, err := codec.Encode(result)
	if err != nil {
		return h.terminate(ctx, sm, fmt.Errorf("handler: serialize step result: %w", err))
	}
	data, err := json.Marshal(runlog.StepCompletedData{Result: string(payload)})
	if err != nil {
		return fmt.Errorf("handler: encode step_completed payload: %w", err)
	}
	if err := h.Events.Append(ctx, &runlog.Event{RunID: sm.RunID, EventType: runlog.EventStepCompleted, CorrelationID: sm.CorrelationID, EventData: data}); err != nil {
		return fmt.Errorf("handler: append step_completed: %w", err)
	}
	return h.resumeWorkflow(ctx, sm.RunID)
}

// terminate records a fatal step_failed (either the retry policy gave up
// or the error was tagged fatal) and re-enqueues the workflow delivery.
func (h *Step) terminate(ctx context.Context, sm StepMessage, cause error) error {
	message, stack := errorDetail(cause)
	if h.Remap != nil {
		stack = h.Remap.Remap(stack)
	}
	data, err := json.Marshal(runlog.StepFailedData{Error: runlog.ErrorData{Message: message, Stack: stack}})
	if err != nil {
		return fmt.Errorf("handler: encode step_failed payload: %w", err)
	}
	if err := h.Events.Append(ctx, &runlog.Event{RunID: sm.RunID, EventType: runlog.EventStepFailed, CorrelationID: sm.CorrelationID, EventData: data}); err != nil {
		return fmt.Errorf("handler: append step_failed: %w", err)
	}
	return h.resumeWorkflow(ctx, sm.RunID)
}

// retry records step_retrying, re-enqueues the workflow delivery per
// spec.md §4.H step 6, and returns the redelivery the queue backend should
// apply to this same step message.
func (h *Step) retry(ctx context.Context, sm StepMessage, after time.Duration) (*queue.Redelivery, error) {
	data, err := json.Marshal(runlog.StepRetryingData{Attempt: sm.Attempt, RetryAfterMS: float64(after.Milliseconds())})
	if err != nil {
		return nil, fmt.Errorf("handler: encode step_retrying payload: %w", err)
	}
	if err := h.Events.Append(ctx, &runlog.Event{RunID: sm.RunID, EventType: runlog.EventStepRetrying, CorrelationID: sm.CorrelationID, EventData: data}); err != nil {
		return nil, fmt.Errorf("handler: append step_retrying: %w", err)
	}
	if err := h.resumeWorkflow(ctx, sm.RunID); err != nil {
		return nil, err
	}
	return &queue.Redelivery{After: after}, nil
}

func (h *Step) resumeWorkflow(ctx context.Context, runID string) error {
	rec, err := h.Runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("handler: load run %s to resume: %w", runID, err)
	}
	payload, err := json.Marshal(WorkflowMessage{RunID: runID, RequestedAt: h.clock()})
	if err != nil {
		return fmt.Errorf("handler: encode workflow resume message: %w", err)
	}
	return h.Queue.Enqueue(ctx, WorkflowTopic(rec.WorkflowName), runID, payload)
}
