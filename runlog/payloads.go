package runlog

import "time"

// Payload shapes for each event family's EventData, shared between the
// replay engine (which decodes them while interpreting a log) and the
// workflow/step/suspension handlers (which encode them when appending new
// events). Serialized values (args, results, hook payloads) travel as the
// UTF-8 text produced by the serialize package's format-tagged encoding,
// carried here as plain strings since that encoding is always valid UTF-8.

// StepCreatedData is step_created's EventData.
type StepCreatedData struct {
	StepName    string `json:"stepName"`
	Args        string `json:"args"`
	ThisVal     string `json:"thisVal,omitempty"`
	ClosureVars string `json:"closureVars,omitempty"`
	Attempt     int    `json:"attempt"`
}

// StepStartedData is step_started's EventData.
type StepStartedData struct {
	Attempt int `json:"attempt"`
}

// StepRetryingData is step_retrying's EventData.
type StepRetryingData struct {
	Attempt      int     `json:"attempt"`
	RetryAfterMS float64 `json:"retryAfterMs,omitempty"`
}

// StepCompletedData is step_completed's EventData.
type StepCompletedData struct {
	Result string `json:"result"`
}

// ErrorData is the {message, stack} shape persisted for both step_failed
// and run_failed (spec.md §4.D "Error" -> name/message/stack).
type ErrorData struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// StepFailedData is step_failed's EventData.
type StepFailedData struct {
	Error ErrorData `json:"error"`
}

// WaitCreatedData is wait_created's EventData.
type WaitCreatedData struct {
	ResumeAt time.Time `json:"resumeAt"`
}

// WaitCompletedData is wait_completed's EventData (empty; presence of the
// event is the signal).
type WaitCompletedData struct{}

// HookCreatedData is hook_created's EventData.
type HookCreatedData struct {
	Token    string            `json:"token"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// HookReceivedData is hook_received's EventData. Done marks the final
// delivery of an async-iterable hook sequence.
type HookReceivedData struct {
	Payload string `json:"payload"`
	Done    bool   `json:"done,omitempty"`
}

// HookDisposedData is hook_disposed's EventData (empty).
type HookDisposedData struct{}

// RunStartedData is run_started's EventData (empty; the event's timestamp
// is authoritative).
type RunStartedData struct{}

// RunCompletedData is run_completed's EventData.
type RunCompletedData struct {
	Output string `json:"output"`
}

// RunFailedData is run_failed's EventData.
type RunFailedData struct {
	Error ErrorData `json:"error"`
}

// RunCancelledData is run_cancelled's EventData (empty).
type RunCancelledData struct{}
