// Package inmemqueue is a single-process reference Queue implementation
// used in tests and local development (spec.md §4.B: "single-process
// reference implementation for tests"). It honors the at-least-once,
// idempotent-by-key, single-active-consumer-per-key contract without any
// external dependency.
package inmemqueue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/flowlayer/workflow/queue"
)

// Queue is an in-memory implementation of queue.Queue. Zero value is not
// usable; construct with New.
type Queue struct {
	mu       sync.Mutex
	closed   bool
	handlers []*registration
	pending  map[string]*pendingKey // keyed by topic+"\x00"+key
	clock    func() time.Time
}

type registration struct {
	prefix string
	fn     queue.Handler
}

// pendingKey tracks the single in-flight or scheduled delivery for one
// (topic, key) pair, implementing idempotent coalescing: a second Enqueue
// for the same pair while one is pending replaces its payload but does not
// create a second delivery.
type pendingKey struct {
	topic, key string
	payload    []byte
	attempt    int
	active     bool // a goroutine is currently delivering this key
	timer      *time.Timer
}

// New constructs an empty Queue. clock defaults to time.Now when nil,
// overridable in tests that need deterministic redelivery timing.
func New(clock func() time.Time) *Queue {
	if clock == nil {
		clock = time.Now
	}
	return &Queue{pending: make(map[string]*pendingKey), clock: clock}
}

func pendingID(topic, key string) string { return topic + "\x00" + key }

// CreateHandler implements queue.Queue.
func (q *Queue) CreateHandler(_ context.Context, topicPrefix string, onMessage queue.Handler) (queue.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrClosed
	}
	reg := &registration{prefix: topicPrefix, fn: onMessage}
	q.handlers = append(q.handlers, reg)
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
		if strings.HasPrefix(topic, h.prefix) {
			return h.fn, true
		}
	}
	return nil, false
}

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, topic, key string, payload []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return queue.ErrClosed
	}
	id := pendingID(topic, key)
	pk, exists := q.pending[id]
	if !exists {
		pk = &pendingKey{topic: topic, key: key}
		q.pending[id] = pk
	}
	pk.payload = payload
	if pk.attempt == 0 {
		pk.attempt = 1
	}
	shouldDeliver := !pk.active
	if pk.timer != nil {
		pk.timer.Stop()
		pk.timer = nil
	}
	if shouldDeliver {
		pk.active = true
	}
	q.mu.Unlock()

	if shouldDeliver {
		go q.deliver(ctx, id, pk)
	}
	return nil
}

func (q *Queue) deliver(ctx context.Context, id string, pk *pendingKey) {
	for {
		fn, ok := q.handlerFor(pk.topic)
		if !ok {
			q.mu.Lock()
			pk.active = false
			q.mu.Unlock()
			return
		}

		q.mu.Lock()
		msg := queue.Message{Topic: pk.topic, Key: pk.key, Payload: pk.payload, Attempt: pk.attempt}
		q.mu.Unlock()

		redelivery, err := fn(ctx, msg)

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		after := time.Duration(0)
		switch {
		case err != nil:
			pk.attempt++
			after = 10 * time.Millisecond
		case redelivery != nil:
			pk.attempt++
			after = redelivery.After
			if after <= 0 {
				after = time.Millisecond
			}
		default:
			delete(q.pending, id)
			q.mu.Unlock()
			return
		}
		pk.timer = time.AfterFunc(after, func() {
			q.mu.Lock()
			pk.timer = nil
			q.mu.Unlock()
			q.deliver(ctx, id, pk)
		})
		pk.active = false
		q.mu.Unlock()
		return
	}
}

// Close implements queue.Queue.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, pk := range q.pending {
		if pk.timer != nil {
			pk.timer.Stop()
		}
	}
	return nil
}
