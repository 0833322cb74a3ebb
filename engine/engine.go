// Package engine implements the deterministic replay engine described in
// spec.md §4.E: given a workflow function, a run record, and the run's
// full event log, it re-executes the workflow and intercepts every
// durable primitive (step, sleep, hook, spawned run), resolving each from
// the event log when possible. A single primitive (UseStep, Sleep, UseHook,
// Spawn) suspends the replay pass the moment it finds nothing to resolve
// it; several started together via Context.All (spec.md §8 "promiseAll")
// all get a chance to resolve from the same pass before the pass suspends
// once, covering however many of them are still unresolved.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/flowlayer/workflow/consumer"
	"github.com/flowlayer/workflow/ids"
	"github.com/flowlayer/workflow/runlog"
	"github.com/flowlayer/workflow/serialize"
)

// WorkflowFunc is a registered top-level workflow body. args are already
// hydrated through the external/intra-run serialization boundary.
type WorkflowFunc func(wctx *Context, args []any) (any, error)

// Outcome is the sum type every replay pass produces (spec.md §9's
// "ReplayOutcome"): exactly one of Completed, Suspended, or Failed is
// populated, selected by Kind.
type Outcome struct {
	Kind    OutcomeKind
	Value   any
	Pending PendingSnapshot
	Err     error
}

// OutcomeKind tags which field of Outcome is meaningful.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeSuspended
	OutcomeFailed
)

// suspensionSignal is the internal control-flow value used to unwind the
// call stack out of arbitrarily deep user workflow code the moment a
// durable primitive cannot resolve from the log. It is recovered exactly
// once, at Run's top level, and never escapes this package — the
// language-neutral equivalent described in spec.md §9 is an explicit
// Outcome return value, which is exactly what callers of Run observe.
type suspensionSignal struct{}

// EngineError signals event-log corruption: an event for a correlationId
// whose pending item disagrees with the event's type, or any other
// invariant violation the engine detects while interpreting the log.
// Terminal — the workflow handler turns it into run_failed (spec.md
// §4.E: "Any other event type → fatal engine error").
type EngineError struct {
	CorrelationID string
	Reason        string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine: %s (correlationId=%s)", e.Reason, e.CorrelationID)
}

// Run replays fn once against events, returning the resulting Outcome. It
// never panics to the caller: suspensionSignal is recovered internally,
// and any other panic from user code is converted into OutcomeFailed so a
// misbehaving workflow body cannot crash the host process.
func Run(ctx context.Context, fn WorkflowFunc, runID string, events []*runlog.Event, args []any, clock func() time.Time, registry *serialize.Registry) (out Outcome) {
	if clock == nil {
		clock = time.Now
	}
	sandbox := newContext(ctx, runID, events, clock, registry)

	defer func() {
		if r := recover(); r == nil {
			return
		} else if _, ok := r.(suspensionSignal); ok {
			out = Outcome{Kind: OutcomeSuspended, Pending: sandbox.snapshotPending()}
		} else if err, ok := r.(error); ok {
			out = Outcome{Kind: OutcomeFailed, Err: err}
		} else {
			out = Outcome{Kind: OutcomeFailed, Err: fmt.Errorf("engine: workflow panicked: %v", r)}
		}
	}()

	value, err := fn(sandbox, args)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	return Outcome{Kind: OutcomeCompleted, Value: value}
}

// Context is the sandboxed handle passed to workflow code in place of
// direct access to time, randomness, IDs, or I/O — every one of those is
// routed through here so replay stays deterministic (spec.md §4.E
// "Determinism requirements").
type Context struct {
	ctx       context.Context
	runID     string
	ids       *ids.Factory
	cursor    *consumer.Cursor
	clock     func() time.Time
	replayAt  time.Time // frozen "now" for this replay pass
	stepCodec *serialize.Codec

	pending map[string]*PendingItem
}

func newContext(ctx context.Context, runID string, events []*runlog.Event, clock func() time.Time, registry *serialize.Registry) *Context {
	return &Context{
		ctx:       ctx,
		runID:     runID,
		ids:       ids.NewSeededFactory(runID, clock),
		cursor:    consumer.New(events),
		clock:     clock,
		replayAt:  clock(),
		stepCodec: &serialize.Codec{Boundary: serialize.StepBoundary, Registry: registry, Operation: "step arguments"},
		pending:   make(map[string]*PendingItem),
	}
}

// Now returns the frozen time for this replay pass, standing in for
// Date.now() per spec.md's determinism requirement that wall-clock reads
// inside workflow code be tied to the current replay's timestamp rather
// than the real clock.
func (c *Context) Now() time.Time { return c.replayAt }

// Context exposes the caller-supplied context.Context for cancellation
// only; workflow code must not use it to perform I/O.
func (c *Context) Context() context.Context { return c.ctx }

func (c *Context) snapshotPending() PendingSnapshot {
	items := make(map[string]*PendingItem, len(c.pending))
	for k, v := range c.pending {
		items[k] = v
	}
	return PendingSnapshot{Items: items}
}

func (c *Context) suspend() {
	panic(suspensionSignal{})
}

func (c *Context) fatal(correlationID, reason string) {
	panic(&EngineError{CorrelationID: correlationID, Reason: reason})
}
