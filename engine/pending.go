package engine

import "time"

// ItemKind discriminates the four durable primitives the suspension
// handler (spec.md §4.I) dispatches on.
type ItemKind int

const (
	KindStep ItemKind = iota
	KindWait
	KindHook
	KindSpawn
)

// PendingItem is one entry of the engine's invocationsQueue: a durable
// primitive the current replay pass invoked, not yet known to have
// resolved from the log.
type PendingItem struct {
	Kind            ItemKind
	CorrelationID   string
	HasCreatedEvent bool

	// Step fields.
	StepName    string
	Args        []any
	ThisVal     any
	ClosureVars map[string]any

	// Wait fields.
	ResumeAt time.Time

	// Hook fields.
	Token    string
	Metadata map[string]any

	// Spawn fields: a step-shaped invocation whose body calls start(),
	// per spec.md §4.E "Spawn workflow ... internally uses a step whose
	// body calls start(); only the child runId crosses back."
	ChildWorkflowName string
	ChildInput        any
}

// PendingSnapshot is the immutable view of the invocationsQueue handed to
// the suspension handler, with counts for steps/hooks/waits as spec.md
// §4.E requires the WorkflowSuspension signal to carry.
type PendingSnapshot struct {
	Items map[string]*PendingItem
}

// Counts returns the number of pending steps, hooks, and waits (spawns are
// counted alongside steps since a spawn is step-shaped).
func (s PendingSnapshot) Counts() (steps, hooks, waits int) {
	for _, item := range s.Items {
		switch item.Kind {
		case KindStep, KindSpawn:
			steps++
		case KindHook:
			hooks++
		case KindWait:
			waits++
		}
	}
	return
}
