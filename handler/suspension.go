package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/flowlayer/workflow/engine"
	"github.com/flowlayer/workflow/queue"
	"github.com/flowlayer/workflow/runlog"
	"github.com/flowlayer/workflow/serialize"
)

// suspensionHandler implements spec.md §4.I: given the pending queue from a
// just-suspended replay pass, it materializes whatever events and queue
// deliveries are needed to eventually resolve each pending primitive.
type suspensionHandler struct {
	*Deps
}

// handle drives spec.md §4.I to completion and returns the redelivery the
// workflow handler should request, if any outstanding wait determines one.
func (s *suspensionHandler) handle(ctx context.Context, runID, workflowName string, pending engine.PendingSnapshot, events []*runlog.Event, now time.Time) (*queue.Redelivery, error) {
	started := startedCorrelations(events)

	var earliestResumeAt time.Time
	haveWait := false

	for _, item := range pending.Items {
		switch item.Kind {
		case engine.KindStep:
			if err := s.resolveStep(ctx, runID, item, started); err != nil {
				return nil, err
			}
		case engine.KindSpawn:
			if err := s.resolveSpawn(ctx, runID, workflowName, item); err != nil {
				return nil, err
			}
		case engine.KindWait:
			if !item.HasCreatedEvent {
				data, err := json.Marshal(runlog.WaitCreatedData{ResumeAt: item.ResumeAt})
				if err != nil {
					return nil, fmt.Errorf("handler: encode wait_created payload: %w", err)
				}
				if err := s.Events.Append(ctx, &runlog.Event{RunID: runID, EventType: runlog.EventWaitCreated, CorrelationID: item.CorrelationID, EventData: data}); err != nil {
					return nil, fmt.Errorf("handler: append wait_created: %w", err)
				}
			}
			haveWait = true
			if earliestResumeAt.IsZero() || item.ResumeAt.Before(earliestResumeAt) {
				earliestResumeAt = item.ResumeAt
			}
		case engine.KindHook:
			if !item.HasCreatedEvent {
				data, err := json.Marshal(runlog.HookCreatedData{Token: item.Token, Metadata: stringMap(item.Metadata)})
				if err != nil {
					return nil, fmt.Errorf("handler: encode hook_created payload: %w", err)
				}
				if err := s.Events.Append(ctx, &runlog.Event{RunID: runID, EventType: runlog.EventHookCreated, CorrelationID: item.CorrelationID, EventData: data}); err != nil {
					return nil, fmt.Errorf("handler: append hook_created: %w", err)
				}
				if s.Tokens != nil && item.Token != "" {
					if err := s.Tokens.Register(ctx, item.Token, runID, item.CorrelationID); err != nil {
						return nil, fmt.Errorf("handler: register webhook token: %w", err)
					}
				}
			}
		}
	}

	if !haveWait {
		return nil, nil
	}
	seconds := int(math.Ceil(earliestResumeAt.Sub(now).Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return &queue.Redelivery{After: time.Duration(seconds) * time.Second}, nil
}

// resolveStep appends step_created and enqueues a step delivery for a fresh
// step, or re-enqueues (idempotently) a step whose body has not yet started
// (spec.md §4.I, first two bullets).
func (s *suspensionHandler) resolveStep(ctx context.Context, runID string, item *engine.PendingItem, started map[string]bool) error {
	if item.HasCreatedEvent && started[item.CorrelationID] {
		return nil
	}
	codec := &serialize.Codec{Boundary: serialize.StepBoundary, Registry: s.Registry, Operation: "step arguments"}
	argsPayload, err := codec.Encode(item.Args)
	if err != nil {
		return fmt.Errorf("handler: serialize args for step %s: %w", item.CorrelationID, err)
	}
	var thisPayload, closurePayload []byte
	if item.ThisVal != nil {
		if thisPayload, err = codec.Encode(item.ThisVal); err != nil {
			return fmt.Errorf("handler: serialize thisVal for step %s: %w", item.CorrelationID, err)
		}
	}
	if item.ClosureVars != nil {
		if closurePayload, err = codec.Encode(item.ClosureVars); err != nil {
			return fmt.Errorf("handler: serialize closureVars for step %s: %w", item.CorrelationID, err)
		}
	}
	if !item.HasCreatedEvent {
		data, err := json.Marshal(runlog.StepCreatedData{
			StepName:    item.StepName,
			Args:        string(argsPayload),
			ThisVal:     string(thisPayload),
			ClosureVars: string(closurePayload),
			Attempt:     1,
		})
		if err != nil {
			return fmt.Errorf("handler: encode step_created payload: %w", err)
		}
		if err := s.Events.Append(ctx, &runlog.Event{RunID: runID, EventType: runlog.EventStepCreated, CorrelationID: item.CorrelationID, EventData: data}); err != nil {
			return fmt.Errorf("handler: append step_created: %w", err)
		}
		return s.enqueueStep(ctx, runID, item.StepName, item.CorrelationID, 1, string(argsPayload), string(thisPayload), string(closurePayload))
	}

	// step_created exists but step_started was never observed: redeliver
	// with the same payloads (idempotent — the queue coalesces duplicate
	// (topic, key) deliveries).
	return s.enqueueStep(ctx, runID, item.StepName, item.CorrelationID, 1, string(argsPayload), string(thisPayload), string(closurePayload))
}

func (s *suspensionHandler) enqueueStep(ctx context.Context, runID, stepName, correlationID string, attempt int, argsPayload, thisPayload, closurePayload string) error {
	msg := StepMessage{
		RunID:          runID,
		CorrelationID:  correlationID,
		StepID:         stepName,
		Attempt:        attempt,
		ArgsPayload:    argsPayload,
		ThisPayload:    thisPayload,
		ClosurePayload: closurePayload,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("handler: encode step message: %w", err)
	}
	if err := s.Queue.Enqueue(ctx, StepTopic(stepName), correlationID, payload); err != nil {
		return fmt.Errorf("handler: enqueue step %s: %w", correlationID, err)
	}
	return nil
}

// resolveSpawn starts the child run synchronously and records the
// step-shaped created/started/completed-or-failed sequence in one pass,
// since starting a child run returns its id immediately rather than going
// through a queued step body (engine.Context.Spawn's doc comment: the
// suspension handler calls start() directly instead of enqueueing an
// ordinary step message). It then re-enqueues the parent workflow message
// so the next replay pass observes the spawn's resolution, taking the place
// of the step handler's final re-enqueue (spec.md §4.H step 6) since no
// step handler ever runs for a spawn.
func (s *suspensionHandler) resolveSpawn(ctx context.Context, runID, workflowName string, item *engine.PendingItem) error {
	if item.HasCreatedEvent {
		return nil
	}
	data, err := json.Marshal(runlog.StepCreatedData{StepName: "spawn:" + item.ChildWorkflowName, Attempt: 1})
	if err != nil {
		return fmt.Errorf("handler: encode spawn step_created payload: %w", err)
	}
	if err := s.Events.Append(ctx, &runlog.Event{RunID: runID, EventType: runlog.EventStepCreated, CorrelationID: item.CorrelationID, EventData: data}); err != nil {
		return fmt.Errorf("handler: append spawn step_created: %w", err)
	}
	if err := s.Events.Append(ctx, &runlog.Event{RunID: runID, EventType: runlog.EventStepStarted, CorrelationID: item.CorrelationID}); err != nil {
		return fmt.Errorf("handler: append spawn step_started: %w", err)
	}

	childRunID, startErr := s.Starter.Start(ctx, item.ChildWorkflowName, item.ChildInput)
	if startErr != nil {
		data, err := json.Marshal(runlog.StepFailedData{Error: runlog.ErrorData{Message: startErr.Error()}})
		if err != nil {
			return fmt.Errorf("handler: encode spawn step_failed payload: %w", err)
		}
		if err := s.Events.Append(ctx, &runlog.Event{RunID: runID, EventType: runlog.EventStepFailed, CorrelationID: item.CorrelationID, EventData: data}); err != nil {
			return fmt.Errorf("handler: append spawn step_failed: %w", err)
		}
	} else {
		codec := &serialize.Codec{Boundary: serialize.StepBoundary, Registry: s.Registry, Operation: "spawn result"}
		resultPayload, err := codec.Encode(childRunID)
		if err != nil {
			return fmt.Errorf("handler: serialize spawn result: %w", err)
		}
		data, err := json.Marshal(runlog.StepCompletedData{Result: string(resultPayload)})
		if err != nil {
			return fmt.Errorf("handler: encode spawn step_completed payload: %w", err)
		}
		if err := s.Events.Append(ctx, &runlog.Event{RunID: runID, EventType: runlog.EventStepCompleted, CorrelationID: item.CorrelationID, EventData: data}); err != nil {
			return fmt.Errorf("handler: append spawn step_completed: %w", err)
		}
	}

	payload, err := json.Marshal(WorkflowMessage{RunID: runID, RequestedAt: s.clock()})
	if err != nil {
		return fmt.Errorf("handler: encode workflow resume message: %w", err)
	}
	if err := s.Queue.Enqueue(ctx, WorkflowTopic(workflowName), runID, payload); err != nil {
		return fmt.Errorf("handler: enqueue workflow resume for spawn: %w", err)
	}
	return nil
}

func startedCorrelations(events []*runlog.Event) map[string]bool {
	out := make(map[string]bool)
	for _, e := range events {
		if e.EventType == runlog.EventStepStarted {
			out[e.CorrelationID] = true
		}
	}
	return out
}

func stringMap(m map[string]any) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
