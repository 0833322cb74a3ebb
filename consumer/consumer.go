// Package consumer implements the event-log cursor the replay engine feeds
// through user code's durable primitives (spec.md §4.F). Handlers are
// registered as user code reaches each `useStep`/`sleep`/`useHook` call, in
// the same deterministic order the underlying events were originally
// created, so a well-formed log always has a waiting subscriber by the
// time the cursor reaches that subscriber's event. Sibling primitives
// started together within one Context.All group register all at once via
// SubscribeGroup so their events, which interleave in the log, each reach
// the right subscriber regardless of registration order.
package consumer

import "github.com/flowlayer/workflow/runlog"

// Disposition is a Handler's verdict on one event.
type Disposition int

const (
	// Consumed means the handler accepted this event and wants to keep
	// receiving subsequent events (e.g. a step_created followed later by
	// its step_completed).
	Consumed Disposition = iota
	// NotConsumed means this event is not addressed to this handler; try
	// the next subscriber.
	NotConsumed
	// Finished means the handler accepted this event and is now done;
	// it is unsubscribed.
	Finished
)

// Handler processes one event, or nil when the cursor has run out of
// events and the handler must decide whether to request suspension.
type Handler func(e *runlog.Event) Disposition

type subscriberState struct {
	handler Handler
	active  bool
}

// Cursor is a single pass over one run's event log, shared by every
// durable primitive invoked during one replay of the workflow function.
type Cursor struct {
	events      []*runlog.Event
	pos         int
	subscribers []*subscriberState
}

// New returns a Cursor over events, starting at position 0.
func New(events []*runlog.Event) *Cursor {
	return &Cursor{events: events}
}

// Subscribe registers handler and immediately pumps the cursor so it
// observes any already-available events without the caller needing a
// separate driving loop.
func (c *Cursor) Subscribe(handler Handler) {
	sub := &subscriberState{handler: handler, active: true}
	c.subscribers = append(c.subscribers, sub)
	c.pump()
}

// SubscribeGroup registers every handler in handlers before pumping once.
// pump only advances past an event once every currently active subscriber
// has had a chance to claim it, so registering handlers one at a time via
// repeated Subscribe calls would let an earlier handler's pump run past
// events meant for a sibling that has not subscribed yet, silently
// skipping them forever. Callers that need several durable primitives to
// compete for interleaved log events in one pass (engine's Context.All)
// must use SubscribeGroup instead of calling Subscribe once per handler.
func (c *Cursor) SubscribeGroup(handlers []Handler) {
	for _, h := range handlers {
		c.subscribers = append(c.subscribers, &subscriberState{handler: h, active: true})
	}
	c.pump()
}

// pump delivers events to active subscribers in registration order until
// either the log is exhausted or no subscriber is left active, in which
// case the cursor holds its position for the next Subscribe. An event that
// no active subscriber accepts is skipped silently — this happens for event
// types outside the step/hook/wait families (run_started, run_completed,
// ...), which the cursor never needs to special-case because no subscriber
// ever claims them.
func (c *Cursor) pump() {
	for {
		if c.pos >= len(c.events) {
			c.notifyExhausted()
			return
		}
		anyActive := false
		for _, sub := range c.subscribers {
			if sub.active {
				anyActive = true
				break
			}
		}
		if !anyActive {
			return
		}

		e := c.events[c.pos]
		claimed := false
		for _, sub := range c.subscribers {
			if !sub.active {
				continue
			}
			switch sub.handler(e) {
			case Consumed:
				claimed = true
			case Finished:
				sub.active = false
				claimed = true
			case NotConsumed:
				continue
			}
			if claimed {
				break
			}
		}
		c.pos++
	}
}

// notifyExhausted delivers a nil event to every still-active subscriber,
// per spec.md §4.F: "subscribed handlers that still expect events receive
// undefined." A handler receiving nil leaves its own pending item
// unresolved and returns NotConsumed; it must not itself decide to
// suspend, since a sibling subscriber registered in the same
// Subscribe/SubscribeGroup pass may still be able to resolve further down
// the log on a later pass. The caller that registered the handler(s) —
// UseStep, Sleep, UseHook, Spawn, or Context.All — checks resolution
// state once pump returns and requests suspension itself if anything is
// still unresolved.
func (c *Cursor) notifyExhausted() {
	for _, sub := range c.subscribers {
		if sub.active {
			sub.handler(nil)
		}
	}
}
