// Package temporalqueue routes the queue.Queue contract onto a Temporal
// task queue for operators who want Temporal's own durability and worker
// fleet management instead of this module's store-backed queue (spec.md
// §4.B: "routes the same Enqueue/handler contract onto a Temporal task
// queue"). Each logical topic becomes a Temporal workflow type; Enqueue
// starts (or signals, if already running) a forwarder workflow keyed by
// (topic, key), which gives idempotent coalescing and single-active-
// consumer-per-key for free from Temporal's own workflow-ID uniqueness.
package temporalqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/flowlayer/workflow/queue"
)

const (
	messageSignal    = "wkfq.message"
	forwarderName    = "wkfqForwarderWorkflow"
	deliverActivity  = "wkfqDeliverActivity"
	defaultTaskQueue = "workflow-core"
)

// Queue adapts queue.Queue onto a Temporal client and worker.
type Queue struct {
	c         client.Client
	taskQueue string

	mu       sync.Mutex
	closed   bool
	worker   worker.Worker
	handlers []*registration
}

type registration struct {
	prefix string
	fn     queue.Handler
}

// New constructs a Queue against an already-connected Temporal client. The
// caller owns the client's lifecycle; Close here only stops this Queue's
// worker.
func New(c client.Client, taskQueue string) *Queue {
	if taskQueue == "" {
		taskQueue = defaultTaskQueue
	}
	return &Queue{c: c, taskQueue: taskQueue}
}

func workflowID(topic, key string) string { return "wkfq:" + topic + ":" + key }

// message is the payload shape carried over the messageSignal channel.
type message struct {
	Payload []byte
	Topic   string
}

// Enqueue implements queue.Queue. A running forwarder for (topic, key)
// receives the new payload via signal, coalescing with any payload not yet
// delivered; otherwise a new forwarder workflow execution is started.
func (q *Queue) Enqueue(ctx context.Context, topic, key string, payload []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return queue.ErrClosed
	}
	q.mu.Unlock()

	wid := workflowID(topic, key)
	msg := message{Payload: payload, Topic: topic}

	_, err := q.c.SignalWithStartWorkflow(ctx, wid, messageSignal, msg,
		client.StartWorkflowOptions{
			ID:                    wid,
			TaskQueue:             q.taskQueue,
			WorkflowIDReusePolicy: 0, // allow duplicate per spec.md idempotent coalescing
		},
		forwarderName, topic, key,
	)
	if err != nil {
		return fmt.Errorf("temporalqueue: signal-with-start forwarder: %w", err)
	}
	return nil
}

// CreateHandler implements queue.Queue. The first registration lazily
// starts a Temporal worker on this Queue's task queue, registering the
// forwarder workflow and delivery activity; onMessage is invoked from
// inside the activity so ordinary Go code never touches Temporal types.
func (q *Queue) CreateHandler(ctx context.Context, topicPrefix string, onMessage queue.Handler) (queue.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrClosed
	}
	reg := &registration{prefix: topicPrefix, fn: onMessage}
	q.handlers = append(q.handlers, reg)

	if q.worker == nil {
		w := worker.New(q.c, q.taskQueue, worker.Options{})
		w.RegisterWorkflowWithOptions(forwarderWorkflow, workflow.RegisterOptions{Name: forwarderName})
		w.RegisterActivityWithOptions(q.deliverActivity, activity.RegisterOptions{Name: deliverActivity})
		if err := w.Start(); err != nil {
			return nil, fmt.Errorf("temporalqueue: start worker: %w", err)
		}
		q.worker = w
	}

	return &subscription{q: q, reg: reg}, nil
}

type subscription struct {
	q   *Queue
	reg *registration
}

func (s *subscription) Close() error {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	for i := range s.q.handlers {
		if s.q.handlers[i] == s.reg {
			s.q.handlers = append(s.q.handlers[:i], s.q.handlers[i+1:]...)
			break
		}
	}
	return nil
}

func (q *Queue) handlerFor(topic string) (queue.Handler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, h := range q.handlers {
		if len(topic) >= len(h.prefix) && topic[:len(h.prefix)] == h.prefix {
			return h.fn, true
		}
	}
	return nil, false
}

// deliverActivity is the Temporal activity that crosses back into plain Go
// code: it looks up the registered handler by topic prefix and invokes it,
// returning the requested redelivery delay (if any) as an activity-level
// result rather than an error, since a requested redelivery is expected
// control flow, not a failure.
func (q *Queue) deliverActivity(ctx context.Context, topic, key string, payload []byte, attempt int) (deliverResult, error) {
	fn, ok := q.handlerFor(topic)
	if !ok {
		return deliverResult{}, fmt.Errorf("temporalqueue: no handler registered for topic %q", topic)
	}
	redelivery, err := fn(ctx, queue.Message{Topic: topic, Key: key, Payload: payload, Attempt: attempt})
	if err != nil {
		return deliverResult{}, err
	}
	if redelivery != nil {
		return deliverResult{RedeliverAfter: redelivery.After}, nil
	}
	return deliverResult{}, nil
}

type deliverResult struct {
	RedeliverAfter time.Duration
}

// forwarderWorkflow is the Temporal workflow type backing one (topic, key)
// pair. It loops: wait for a message signal, run the delivery activity,
// and if redelivery was requested, sleep and retry with the same payload;
// otherwise the workflow completes and the next Enqueue starts a fresh one.
func forwarderWorkflow(ctx workflow.Context, topic, key string) error {
	ch := workflow.GetSignalChannel(ctx, messageSignal)

	var msg message
	ch.Receive(ctx, &msg)

	attempt := 1
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 0, // 0 is unlimited: Temporal retries handler errors; requested redeliveries go through RedeliverAfter
		},
	}
	actCtx := workflow.WithActivityOptions(ctx, ao)

	for {
		var result deliverResult
		err := workflow.ExecuteActivity(actCtx, deliverActivity, topic, key, msg.Payload, attempt).Get(ctx, &result)
		if err != nil {
			return err
		}
		if result.RedeliverAfter <= 0 {
			return nil
		}
		attempt++
		if err := workflow.Sleep(ctx, result.RedeliverAfter); err != nil {
			return err
		}

		// Drain any coalesced signal that arrived while sleeping so the
		// freshest payload is used on the next attempt; fall back to the
		// previous payload if none arrived.
		selector := workflow.NewSelector(ctx)
		selector.AddReceive(ch, func(c workflow.ReceiveChannel, more bool) {
			c.Receive(ctx, &msg)
		})
		selector.AddDefault(func() {})
		selector.Select(ctx)
	}
}

// Close implements queue.Queue.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.worker != nil {
		q.worker.Stop()
	}
	return nil
}
