package engine

import (
	"encoding/json"

	"github.com/flowlayer/workflow/consumer"
	"github.com/flowlayer/workflow/ids"
	"github.com/flowlayer/workflow/runlog"
	"github.com/flowlayer/workflow/serialize"
)

// StepAwaitable is a step invocation that has registered its pending item
// and event-log handler but has not yet been pumped against the log —
// built by NewStep so several steps can be started together and passed to
// (*Context).All before any of them is allowed to suspend (spec.md §8
// scenario 2, "promiseAll"). Call Result after All returns.
type StepAwaitable struct {
	resolved  bool
	result    any
	err       error
	handlerFn consumer.Handler
}

func (a *StepAwaitable) handler() consumer.Handler { return a.handlerFn }
func (a *StepAwaitable) isResolved() bool          { return a.resolved }

// Result returns the step's hydrated result or error. Only meaningful
// once this awaitable has been passed through All (or UseStep, which does
// so internally) and found resolved.
func (a *StepAwaitable) Result() (any, error) { return a.result, a.err }

// NewStep builds a durable-step invocation without subscribing it to the
// cursor yet. Most callers want UseStep; NewStep exists so a workflow body
// can start several steps together and await them as a group with All.
func (c *Context) NewStep(stepName string, thisVal any, captureClosureVars func() map[string]any, args ...any) *StepAwaitable {
	correlationID := c.ids.Next(ids.PrefixStep)

	item := &PendingItem{
		Kind:          KindStep,
		CorrelationID: correlationID,
		StepName:      stepName,
		Args:          args,
		ThisVal:       thisVal,
	}
	if captureClosureVars != nil {
		item.ClosureVars = captureClosureVars()
	}
	c.pending[correlationID] = item

	aw := &StepAwaitable{}
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
				c.fatal(correlationID, "failed to hydrate step result: "+err.Error())
			}
			aw.result = v
			aw.resolved = true
			delete(c.pending, correlationID)
			return consumer.Finished
		case runlog.EventStepFailed:
			var data runlog.StepFailedData
			if err := json.Unmarshal(e.EventData, &data); err != nil {
				c.fatal(correlationID, "malformed step_failed payload: "+err.Error())
			}
			aw.err = &serialize.ReconstructedError{Message: data.Error.Message, OriginStack: data.Error.Stack}
			aw.resolved = true
			delete(c.pending, correlationID)
			return consumer.Finished
		default:
			c.fatal(correlationID, "unexpected event type "+string(e.EventType)+" for step correlation")
			return consumer.NotConsumed
		}
	}
	return aw
}

// UseStep is the durable-step primitive described in spec.md §4.E. name
// identifies the registered step; args are hydrated, replay-safe values.
// captureClosureVars, if non-nil, is invoked each time the call is reached
// (so once per replay pass) to capture variables the step body closed over.
//
// UseStep returns synchronously: either the step's hydrated result, or it
// never returns at all, unwinding the whole replay pass via suspend() when
// the log does not yet contain the step's resolution. This mirrors the
// reference implementation's promise-that-never-resolves behavior using
// Go's own non-local exit (panic/recover), which this package recovers at
// Run's boundary (see suspensionSignal). To start several steps together
// in one pass instead of suspending after the first unresolved one, use
// NewStep with All.
func (c *Context) UseStep(stepName string, thisVal any, captureClosureVars func() map[string]any, args ...any) (any, error) {
	aw := c.NewStep(stepName, thisVal, captureClosureVars, args...)
	c.cursor.Subscribe(aw.handlerFn)
	if !aw.resolved {
		c.suspend()
	}
	return aw.result, aw.err
}
