package engine

import (
	"time"

	"github.com/flowlayer/workflow/consumer"
	"github.com/flowlayer/workflow/ids"
	"github.com/flowlayer/workflow/runlog"
)

// WaitAwaitable is a sleep invocation that has registered its pending item
// and event-log handler but has not yet been pumped against the log —
// built by NewWait so a sleep can be started alongside other durable
// primitives and passed to (*Context).All.
type WaitAwaitable struct {
	resolved  bool
	handlerFn consumer.Handler
}

func (a *WaitAwaitable) handler() consumer.Handler { return a.handlerFn }
func (a *WaitAwaitable) isResolved() bool          { return a.resolved }

// NewWait builds a durable sleep without subscribing it to the cursor yet.
// Most callers want Sleep; NewWait exists so a workflow body can start a
// sleep alongside other durable primitives and await them as a group with
// All.
func (c *Context) NewWait(d time.Duration) *WaitAwaitable {
	correlationID := c.ids.Next(ids.PrefixWait)
	item := &PendingItem{
		Kind:          KindWait,
		CorrelationID: correlationID,
		ResumeAt:      c.replayAt.Add(d),
	}
	c.pending[correlationID] = item

	aw := &WaitAwaitable{}
	aw.handlerFn = func(e *runlog.Event) consumer.Disposition {
		if e == nil {
			return consumer.NotConsumed
		}
		if e.CorrelationID != correlationID {
			return consumer.NotConsumed
		}
		switch e.EventType {
		case runlog.EventWaitCreated:
			item.HasCreatedEvent = true
			return consumer.Consumed
		case runlog.EventWaitCompleted:
			aw.resolved = true
			delete(c.pending, correlationID)
			return consumer.Finished
		default:
			c.fatal(correlationID, "unexpected event type "+string(e.EventType)+" for wait correlation")
			return consumer.NotConsumed
		}
	}
	return aw
}

// Sleep is the durable wait primitive (spec.md §4.E "sleep(ms) / waits").
// It suspends the replay pass until a wait_completed event for this call's
// correlationId appears in the log. To start a sleep alongside other
// durable primitives in one pass, use NewWait with All.
func (c *Context) Sleep(d time.Duration) {
	aw := c.NewWait(d)
	c.cursor.Subscribe(aw.handlerFn)
	if !aw.resolved {
		c.suspend()
	}
}
