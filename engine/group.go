package engine

import "github.com/flowlayer/workflow/consumer"

// awaiter is implemented by every *Awaitable type (StepAwaitable,
// WaitAwaitable, HookAwaitable, SpawnAwaitable): a durable primitive whose
// pending item and cursor handler have already been built by its New*
// constructor but not yet pumped against the event log.
type awaiter interface {
	handler() consumer.Handler
	isResolved() bool
}

// All runs several durable primitives within a single replay pass instead
// of suspending the instant the first of them turns out to be unresolved
// (spec.md §8 scenario 2, "promiseAll(['A','B','C']) -> 'ABC'", and the
// scheduling model's requirement that independent work proceed
// concurrently, spec.md:186). Build each operand with NewStep, NewWait,
// NewHook, or NewSpawn — none of those constructors touch the cursor by
// themselves — then pass the resulting awaitables here. All registers
// every one of their handlers together via Cursor.SubscribeGroup, so a
// first pass over an empty log appends a created event for every operand
// before suspending once, rather than unwinding the call stack the moment
// the first one turns out to be unresolved. Read results afterward with
// each awaitable's own Result/Messages method.
func (c *Context) All(ops ...awaiter) {
	if len(ops) == 0 {
		return
	}

	handlers := make([]consumer.Handler, len(ops))
	for i, op := range ops {
		handlers[i] = op.handler()
	}
	c.cursor.SubscribeGroup(handlers)

	anyUnresolved := false
	for _, op := range ops {
		if !op.isResolved() {
			anyUnresolved = true
		}
	}
	if anyUnresolved {
		c.suspend()
	}
}
