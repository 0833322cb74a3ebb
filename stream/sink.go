package stream

import (
	"context"
	"sync"
	"time"
)

// flushWindow is the short buffering window writers use before flushing
// accumulated chunks as a batch (spec.md §5 "Backpressure": "~10 ms").
const flushWindow = 10 * time.Millisecond

// Sink buffers writes to one stream for flushWindow before flushing them
// as a single WriteToStreamMulti call. A failed flush keeps the buffered
// chunks so the next Flush or Write-triggered flush sends them again; the
// Sink does not schedule a retry on its own (spec.md §5: "An error during a
// flush preserves the buffered chunks so a subsequent retry can re-flush").
type Sink struct {
	store      Store
	runID, name string

	flushMu sync.Mutex // serializes flushes so a batch is never sent twice
	mu      sync.Mutex
	pending [][]byte
	timer   *time.Timer
	closed  bool
	lastErr error
}

// NewSink returns a Sink writing to name on runID via store. The stream is
// implicitly created by the first write, per Store's contract.
func NewSink(store Store, runID, name string) *Sink {
	return &Sink{store: store, runID: runID, name: name}
}

// Write buffers data for the next flush. It never blocks on I/O itself;
// backpressure is bounded only by how much the caller writes between
// flush windows.
func (s *Sink) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.pending = append(s.pending, cp)
	if s.timer == nil {
		s.timer = time.AfterFunc(flushWindow, s.scheduledFlush)
	}
	return nil
}

func (s *Sink) scheduledFlush() {
	_ = s.Flush(context.Background())
}

// Flush forces an immediate flush of any buffered chunks, retrying the
// underlying write is the caller's responsibility if it returns an error —
// the buffer is left intact on failure so the next Flush or Write-triggered
// flush retries the same chunks.
func (s *Sink) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.mu.Unlock()

	err := s.store.WriteToStreamMulti(ctx, s.runID, s.name, batch)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err
		return err
	}
	// Only drop the chunks that were actually flushed; writes that
	// arrived while the flush was in flight remain pending.
	if len(s.pending) >= len(batch) {
		s.pending = s.pending[len(batch):]
	}
	return nil
}

// Close awaits a pending flush before closing the underlying stream
// (spec.md §5: "Writer close() awaits a pending flush before closing the
// underlying store").
func (s *Sink) Close(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.store.CloseStream(ctx, s.runID, s.name)
}
