package engine

import (
	"encoding/json"

	"github.com/flowlayer/workflow/consumer"
	"github.com/flowlayer/workflow/ids"
	"github.com/flowlayer/workflow/runlog"
)

// HookAwaitable is a hook invocation that has registered its pending item
// and event-log handler but has not yet been pumped against the log —
// built by NewHook so a hook can be awaited alongside other durable
// primitives and passed to (*Context).All.
type HookAwaitable struct {
	disposed  bool
	messages  []any
	handlerFn consumer.Handler
}

func (a *HookAwaitable) handler() consumer.Handler { return a.handlerFn }
func (a *HookAwaitable) isResolved() bool          { return a.disposed }

// Messages returns every payload delivered to this hook, in arrival
// order. Only meaningful once this awaitable has been passed through All
// (or UseHook, which does so internally) and found disposed.
func (a *HookAwaitable) Messages() []any { return a.messages }

// NewHook builds a durable hook subscription without registering it on
// the cursor yet. Most callers want UseHook; NewHook exists so a workflow
// body can await a hook alongside other durable primitives as a group
// with All.
func (c *Context) NewHook(token string, metadata map[string]string) *HookAwaitable {
	correlationID := c.ids.Next(ids.PrefixHook)
	item := &PendingItem{
		Kind:          KindHook,
		CorrelationID: correlationID,
		Token:         token,
		Metadata:      toAnyMap(metadata),
	}
	c.pending[correlationID] = item

	aw := &HookAwaitable{}
	aw.handlerFn = func(e *runlog.Event) consumer.Disposition {
		if e == nil {
			return consumer.NotConsumed
		}
		if e.CorrelationID != correlationID {
			return consumer.NotConsumed
		}
		switch e.EventType {
		case runlog.EventHookCreated:
			item.HasCreatedEvent = true
			return consumer.Consumed
		case runlog.EventHookReceived:
			var data runlog.HookReceivedData
			if err := json.Unmarshal(e.EventData, &data); err != nil {
				c.fatal(correlationID, "malformed hook_received payload: "+err.Error())
			}
			v, err := c.stepCodec.Decode([]byte(data.Payload))
			if err != nil {
				c.fatal(correlationID, "failed to hydrate hook payload: "+err.Error())
			}
			aw.messages = append(aw.messages, v)
			return consumer.Consumed
		case runlog.EventHookDisposed:
			aw.disposed = true
			delete(c.pending, correlationID)
			return consumer.Finished
		default:
			c.fatal(correlationID, "unexpected event type "+string(e.EventType)+" for hook correlation")
			return consumer.NotConsumed
		}
	}
	return aw
}

// UseHook is the durable external-event primitive (spec.md §4.E
// "useHook(token, options)"). It collects every hook_received payload
// recorded for this call's correlationId, in arrival order, suspending the
// replay pass if the log does not yet contain a hook_disposed terminating
// the sequence — "Hooks may deliver multiple payloads to the workflow
// through an async-iterable surface"; this implementation drains that
// surface fully before returning, since replay always reconstructs the
// complete history from the start of the log on every pass. To await a
// hook alongside other durable primitives in one pass, use NewHook with
// All.
func (c *Context) UseHook(token string, metadata map[string]string) []any {
	aw := c.NewHook(token, metadata)
	c.cursor.Subscribe(aw.handlerFn)
	if !aw.disposed {
		c.suspend()
	}
	return aw.messages
}

func toAnyMap(m map[string]string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
