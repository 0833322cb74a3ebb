package handler

import "time"

// WorkflowMessage is the payload carried by a "__wkf_workflow_<name>"
// delivery (spec.md §4.G step 2). The workflow name itself travels on the
// topic, not in the payload.
type WorkflowMessage struct {
	RunID        string            `json:"runId"`
	TraceCarrier map[string]string `json:"traceCarrier,omitempty"`
	RequestedAt  time.Time         `json:"requestedAt"`
}

// StepMessage is the payload carried by a "__wkf_step_<stepId>" delivery.
// Args, ThisVal, and ClosureVars are already format-prefixed serialized
// payloads (step boundary) produced by the suspension handler when it
// created the step_created event; the step handler only needs to hydrate
// them, not re-serialize.
type StepMessage struct {
	RunID          string `json:"runId"`
	CorrelationID  string `json:"correlationId"`
	StepID         string `json:"stepId"`
	Attempt        int    `json:"attempt"`
	ArgsPayload    string `json:"argsPayload"`
	ThisPayload    string `json:"thisPayload,omitempty"`
	ClosurePayload string `json:"closurePayload,omitempty"`
}
