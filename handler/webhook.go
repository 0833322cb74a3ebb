package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowlayer/workflow/runlog"
	"github.com/flowlayer/workflow/serialize"
)

// Webhook implements direct hook delivery (spec.md §6 "POST
// .../webhook/<urlencoded-token>"): unlike the workflow and step handlers,
// a webhook delivery is not queue-mediated — the HTTP request itself is the
// delivery, appended straight to the event log, then the workflow is woken
// by the same resume-enqueue every other resolution path uses.
type Webhook struct {
	*Deps
}

// NewWebhook returns a Webhook handler sharing deps with the other
// handlers.
func NewWebhook(deps *Deps) *Webhook { return &Webhook{Deps: deps} }

// Deliver resolves token to its (runId, correlationId) pair via the token
// index UseHook registered it under, appends hook_received (and
// hook_disposed if done, spec.md §4.E "disposes via hook_disposed"), and
// re-enqueues the workflow's resume delivery.
func (h *Webhook) Deliver(ctx context.Context, token string, rawPayload any, done bool) error {
	if h.Tokens == nil {
		return fmt.Errorf("handler: webhook delivery requires a TokenIndex")
	}
	runID, correlationID, err := h.Tokens.Resolve(ctx, token)
	if err != nil {
		return err
	}

	codec := &serialize.Codec{Boundary: serialize.StepBoundary, Registry: h.Registry, Operation: "hook payload"}
	payload, err := codec.Encode(rawPayload)
	if err != nil {
		return fmt.Errorf("handler: serialize hook payload for token %s: %w", token, err)
	}
	data, err := json.Marshal(runlog.HookReceivedData{Payload: string(payload), Done: done})
	if err != nil {
		return fmt.Errorf("handler: encode hook_received payload: %w", err)
	}
	if err := h.Events.Append(ctx, &runlog.Event{RunID: runID, EventType: runlog.EventHookReceived, CorrelationID: correlationID, EventData: data}); err != nil {
		return fmt.Errorf("handler: append hook_received: %w", err)
	}
	if done {
		if err := h.Events.Append(ctx, &runlog.Event{RunID: runID, EventType: runlog.EventHookDisposed, CorrelationID: correlationID}); err != nil {
			return fmt.Errorf("handler: append hook_disposed: %w", err)
		}
	}

	rec, err := h.Runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("handler: load run %s for webhook resume: %w", runID, err)
	}
	resume, err := json.Marshal(WorkflowMessage{RunID: runID, RequestedAt: h.clock()})
	if err != nil {
		return fmt.Errorf("handler: encode workflow resume message: %w", err)
	}
	if err := h.Queue.Enqueue(ctx, WorkflowTopic(rec.WorkflowName), runID, resume); err != nil {
		return fmt.Errorf("handler: enqueue workflow resume for webhook: %w", err)
	}
	return nil
}
