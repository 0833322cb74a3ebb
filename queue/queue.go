// Package queue defines the at-least-once, idempotent message bus that
// carries workflow and step invocations between the runtime and its "world"
// backend. Concrete backends live in subpackages (inmemqueue, redisqueue,
// temporalqueue); this package only fixes the contract every backend must
// honor.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Enqueue and CreateHandler once a Queue has been
// closed.
var ErrClosed = errors.New("queue: closed")

// Message is one delivery handed to a Handler. Key is the idempotency and
// ordering key: the queue guarantees at most one concurrent execution of
// handlers sharing the same (Topic, Key) pair, and coalesces duplicate
// enqueues carrying the same key into a single pending delivery.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
	// Attempt counts redeliveries of this (Topic, Key) pair, starting at 1.
	Attempt int
}

// Redelivery is returned by a Handler to request the message be redelivered
// no earlier than After has elapsed, rather than being considered handled.
// It is the queue-level realization of spec.md's "{ timeoutSeconds }"
// return value used for waits and step retry backoff.
type Redelivery struct {
	After time.Duration
}

// Handler processes one Message. Returning (nil, nil) acknowledges the
// delivery as handled. Returning a non-nil Redelivery requests a future
// redelivery with Attempt incremented. Returning a non-nil error is treated
// the same as requesting immediate redelivery with backoff left to the
// backend's discretion.
type Handler func(ctx context.Context, msg Message) (*Redelivery, error)

// Subscription represents one CreateHandler registration; closing it stops
// further deliveries to that handler.
type Subscription interface {
	Close() error
}

// Queue is the pluggable "world" backend component described in spec.md
// §4.B: named topics, at-least-once delivery, idempotent by (topic, key),
// with at most one concurrent execution per key.
type Queue interface {
	// CreateHandler registers onMessage for every topic beginning with
	// topicPrefix (e.g. "__wkf_workflow_" or "__wkf_step_"). The exact
	// topic is carried on each Message so one handler can serve many
	// logical topics sharing a prefix.
	CreateHandler(ctx context.Context, topicPrefix string, onMessage Handler) (Subscription, error)

	// Enqueue delivers payload to topic, coalescing with any pending
	// delivery already queued under the same (topic, key).
	Enqueue(ctx context.Context, topic, key string, payload []byte) error

	// Close releases backend resources. Registered handlers stop
	// receiving deliveries; in-flight deliveries are allowed to finish.
	Close() error
}
