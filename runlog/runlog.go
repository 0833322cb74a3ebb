// Package runlog provides the durable, append-only per-run event log that is
// the sole source of truth for workflow execution (spec.md §3 "Event").
//
// Events are grouped into three families distinguished by EventType:
// run-level events, step events, and hook/wait events. Every non-run event
// carries a CorrelationID identifying the single primitive invocation
// (one step call, one hook, one wait) it belongs to.
package runlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowlayer/workflow/run"
)

// EventType identifies the kind of durable event recorded in a run's log.
type EventType string

// Run-level event types.
const (
	EventRunCreated   EventType = "run_created"
	EventRunStarted   EventType = "run_started"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
	EventRunCancelled EventType = "run_cancelled"
)

// Step event types.
const (
	EventStepCreated   EventType = "step_created"
	EventStepStarted   EventType = "step_started"
	EventStepRetrying  EventType = "step_retrying"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
)

// Hook event types.
const (
	EventHookCreated  EventType = "hook_created"
	EventHookReceived EventType = "hook_received"
	EventHookDisposed EventType = "hook_disposed"
)

// Wait event types.
const (
	EventWaitCreated   EventType = "wait_created"
	EventWaitCompleted EventType = "wait_completed"
)

// IsTerminalRunEvent reports whether t ends a run's lifecycle. Once a
// terminal run event is appended, no further events may be appended
// (spec.md §3 invariant 4).
func IsTerminalRunEvent(t EventType) bool {
	switch t {
	case EventRunCompleted, EventRunFailed, EventRunCancelled:
		return true
	default:
		return false
	}
}

// Family partitions event types into their correlation family, used to
// validate the per-correlation state-machine invariant (spec.md §8
// property 3).
type Family string

const (
	FamilyRun  Family = "run"
	FamilyStep Family = "step"
	FamilyHook Family = "hook"
	FamilyWait Family = "wait"
)

// FamilyOf returns the correlation family for an event type, or "" if t is
// not a recognized type.
func FamilyOf(t EventType) Family {
	switch t {
	case EventRunCreated, EventRunStarted, EventRunCompleted, EventRunFailed, EventRunCancelled:
		return FamilyRun
	case EventStepCreated, EventStepStarted, EventStepRetrying, EventStepCompleted, EventStepFailed:
		return FamilyStep
	case EventHookCreated, EventHookReceived, EventHookDisposed:
		return FamilyHook
	case EventWaitCreated, EventWaitCompleted:
		return FamilyWait
	default:
		return ""
	}
}

type (
	// Event is a single immutable record appended to a run's event log.
	// Store implementations assign ID when persisting the event; IDs are
	// opaque but monotonically ordered within a run.
	Event struct {
		// ID is the store-assigned opaque identifier for this event.
		ID string
		// RunID identifies the run this event belongs to.
		RunID string
		// EventType is the kind of event.
		EventType EventType
		// CorrelationID identifies the primitive invocation this event
		// belongs to. Empty for run-level events.
		CorrelationID string
		// SpecVersion distinguishes the payload encoding: 1 means legacy
		// non-format-prefixed payloads, >=2 means format-prefixed
		// (spec.md §3 "Run").
		SpecVersion int
		// EventData is the JSON encoding of the event's payload struct
		// (see payloads.go), or nil for events that carry no data.
		EventData json.RawMessage
		// CreatedAt is the event's append time.
		CreatedAt time.Time
	}

	// Page is a forward page of a run's events.
	Page struct {
		// Events are ordered oldest-first.
		Events []*Event
		// NextCursor is the opaque cursor for the next page, or "" if
		// there are no further events.
		NextCursor string
	}

	// Store is the append-only event log backing a run. Implementations
	// must provide stable, total ordering within a run; no ordering is
	// required across runs (spec.md §4.A).
	Store interface {
		// Append persists e, assigning e.ID and e.CreatedAt. Append must
		// be durable: callers rely on a returned error to fail fast when
		// the canonical log is unavailable. Append does not touch the
		// run record; event appends that also transition the run's
		// status must use AppendAndTransition instead.
		Append(ctx context.Context, e *Event) error

		// AppendAndTransition atomically appends e and applies mutate to
		// runID's run record, returning the run's post-transition
		// snapshot. Every event append that transitions run state
		// (run_started, run_completed, run_failed, ...) must go through
		// this instead of a plain Append followed by a separate
		// run.Store.Update: a crash or redelivery between two separate
		// writes could append a duplicate event or leave the run stuck
		// mid-transition, which this single atomic operation rules out
		// (spec.md:60, spec.md:141).
		AppendAndTransition(ctx context.Context, e *Event, runID string, mutate func(*run.Run)) (*run.Run, error)

		// List returns the next forward page of events for runID,
		// starting after cursor (empty to start from the beginning).
		List(ctx context.Context, runID string, cursor string, limit int) (Page, error)

		// All loads every event for runID in append order. Handlers use
		// this to reconstruct full replay state (spec.md §4.G step 4);
		// it is equivalent to paging via List until NextCursor is empty.
		All(ctx context.Context, runID string) ([]*Event, error)
	}
)
