// Package redisqueue implements queue.Queue on top of Redis Streams and
// consumer groups, grounded on the same go-redis client used for result
// streams elsewhere in this codebase's lineage: XADD delivers messages,
// XREADGROUP with a shared consumer group name gives at-least-once fan-out
// across process replicas, and a per-(topic,key) dedup key implements the
// idempotent-by-key coalescing spec.md §4.B requires.
package redisqueue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowlayer/workflow/queue"
)

const (
	consumerGroup  = "wkf-handlers"
	dedupKeyPrefix = "wkfq:dedup:"
	streamPrefix   = "wkfq:stream:"
	delayZSet      = "wkfq:delay"
	blockTimeout   = 5 * time.Second
)

// Queue is a Redis-backed queue.Queue. One Queue instance may back any
// number of topics; each distinct topic gets its own Redis Stream key so
// consumer groups don't cross topic boundaries.
type Queue struct {
	rdb      *redis.Client
	consumer string // this process's consumer name within the shared group

	mu       sync.Mutex
	closed   bool
	cancel   context.CancelFunc
	streams  map[string]bool // topics with a running reader loop
	handlers []*registration
	wg       sync.WaitGroup
}

type registration struct {
	prefix string
	fn     queue.Handler
}

// New constructs a Queue bound to rdb. consumerName should be stable per
// process (e.g. hostname+pid) so XREADGROUP claims are attributable.
func New(rdb *redis.Client, consumerName string) *Queue {
	return &Queue{rdb: rdb, consumer: consumerName, streams: make(map[string]bool)}
}

func streamKey(topic string) string { return streamPrefix + topic }
func dedupKey(topic, key string) string {
	return dedupKeyPrefix + topic + ":" + key
}

// Enqueue implements queue.Queue. Coalescing is implemented with SETNX: if
// a delivery for (topic, key) is already pending, the new payload replaces
// the stored one but no second stream entry is produced.
func (q *Queue) Enqueue(ctx context.Context, topic, key string, payload []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return queue.ErrClosed
	}
	q.mu.Unlock()

	dk := dedupKey(topic, key)
	ok, err := q.rdb.SetNX(ctx, dk, payload, 0).Result()
	if err != nil {
		return fmt.Errorf("redisqueue: enqueue dedup check: %w", err)
	}
	if !ok {
		// already pending: refresh the stored payload so a redelivery
		// picks up the latest arguments, but do not push a new entry.
		if err := q.rdb.Set(ctx, dk, payload, 0).Err(); err != nil {
			return fmt.Errorf("redisqueue: refresh coalesced payload: %w", err)
		}
		return nil
	}

	if err := q.ensureGroup(ctx, topic); err != nil {
		return err
	}
	_, err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(topic),
		Values: map[string]any{"key": key, "attempt": 1},
	}).Result()
	if err != nil {
		return fmt.Errorf("redisqueue: XADD: %w", err)
	}
	return nil
}

func (q *Queue) ensureGroup(ctx context.Context, topic string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, streamKey(topic), consumerGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("redisqueue: create consumer group: %w", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// CreateHandler implements queue.Queue. A background goroutine is started
// per Queue (lazily, on first registration) to poll every known stream via
// XREADGROUP and dispatch to the matching handler by topic prefix.
func (q *Queue) CreateHandler(ctx context.Context, topicPrefix string, onMessage queue.Handler) (queue.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrClosed
	}
	reg := &registration{prefix: topicPrefix, fn: onMessage}
	q.handlers = append(q.handlers, reg)

	if q.cancel == nil {
		runCtx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		q.wg.Add(1)
		go q.pollLoop(runCtx)
		q.wg.Add(1)
		go q.delayLoop(runCtx)
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

// pollLoop is a simplified single-reader dispatcher: production deployments
// would shard streams across many goroutines, but one topic prefix per
// workflow/step kind keeps this tractable for the common case of a handful
// of logical topics per process.
func (q *Queue) pollLoop(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		topics := q.knownTopics(ctx)
		if len(topics) == 0 {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for _, topic := range topics {
			q.readOne(ctx, topic)
		}
	}
}

// knownTopics discovers stream keys already created via Enqueue so the poll
// loop does not need topics registered up front.
func (q *Queue) knownTopics(ctx context.Context) []string {
	var topics []string
	iter := q.rdb.Scan(ctx, 0, streamPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		topics = append(topics, iter.Val()[len(streamPrefix):])
	}
	return topics
}

func (q *Queue) readOne(ctx context.Context, topic string) {
	fn, ok := q.handlerFor(topic)
	if !ok {
		return
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: q.consumer,
		Streams:  []string{streamKey(topic), ">"},
		Count:    10,
		Block:    blockTimeout,
	}).Result()
	if err != nil {
		return
	}

	for _, s := range streams {
		for _, entry := range s.Messages {
			q.dispatch(ctx, topic, entry, fn)
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, topic string, entry redis.XMessage, fn queue.Handler) {
	key, _ := entry.Values["key"].(string)
	attempt, _ := strconv.Atoi(fmt.Sprint(entry.Values["attempt"]))
	if attempt == 0 {
		attempt = 1
	}

	payload, err := q.rdb.Get(ctx, dedupKey(topic, key)).Bytes()
	if err != nil {
		// dedup key expired or was never set: nothing left to deliver.
		q.rdb.XAck(ctx, streamKey(topic), consumerGroup, entry.ID)
		return
	}

	redelivery, handlerErr := fn(ctx, queue.Message{Topic: topic, Key: key, Payload: payload, Attempt: attempt})
	switch {
	case handlerErr != nil:
		q.scheduleRedelivery(ctx, topic, key, attempt+1, 2*time.Second)
	case redelivery != nil:
		after := redelivery.After
		if after <= 0 {
			after = time.Millisecond
		}
		q.scheduleRedelivery(ctx, topic, key, attempt+1, after)
	default:
		q.rdb.Del(ctx, dedupKey(topic, key))
	}
	q.rdb.XAck(ctx, streamKey(topic), consumerGroup, entry.ID)
}

// scheduleRedelivery parks the next attempt in a sorted set keyed by
// deliverAt, since Redis Streams has no native delayed-delivery primitive.
func (q *Queue) scheduleRedelivery(ctx context.Context, topic, key string, attempt int, after time.Duration) {
	deliverAt := time.Now().Add(after).UnixMilli()
	member := topic + "\x00" + key + "\x00" + strconv.Itoa(attempt)
	q.rdb.ZAdd(ctx, delayZSet, redis.Z{Score: float64(deliverAt), Member: member})
}

func (q *Queue) delayLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := float64(time.Now().UnixMilli())
		due, err := q.rdb.ZRangeByScore(ctx, delayZSet, &redis.ZRangeBy{Min: "0", Max: strconv.FormatFloat(now, 'f', 0, 64)}).Result()
		if err != nil {
			continue
		}
		for _, member := range due {
			q.requeueDelayed(ctx, member)
			q.rdb.ZRem(ctx, delayZSet, member)
		}
	}
}

func (q *Queue) requeueDelayed(ctx context.Context, member string) {
	parts := splitTriple(member)
	if parts == nil {
		return
	}
	topic, key := parts[0], parts[1]
	attempt, _ := strconv.Atoi(parts[2])

	q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(topic),
		Values: map[string]any{"key": key, "attempt": attempt},
	})
}

func splitTriple(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	if len(parts) != 3 {
		return nil
	}
	return parts
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

// Close implements queue.Queue.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	return nil
}
