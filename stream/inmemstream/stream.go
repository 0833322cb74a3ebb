// Package inmemstream is a single-process reference Store implementation,
// the stream-store analogue of queue/inmemqueue, used in tests.
package inmemstream

import (
	"context"
	"sync"

	"github.com/flowlayer/workflow/stream"
)

type entry struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
	cond   *sync.Cond
}

// Store is an in-memory stream.Store.
type Store struct {
	mu      sync.Mutex
	streams map[string]*entry
}

// New returns an empty Store.
func New() *Store {
	return &Store{streams: make(map[string]*entry)}
}

func key(runID, name string) string { return runID + "\x00" + name }

func (s *Store) entryFor(runID, name string, create bool) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(runID, name)
	e, ok := s.streams[k]
	if !ok {
		if !create {
			return nil
		}
		e = &entry{}
		e.cond = sync.NewCond(&e.mu)
		s.streams[k] = e
	}
	return e
}

// WriteToStream implements stream.Store.
func (s *Store) WriteToStream(ctx context.Context, runID, name string, chunk []byte) error {
	return s.WriteToStreamMulti(ctx, runID, name, [][]byte{chunk})
}

// WriteToStreamMulti implements stream.Store.
func (s *Store) WriteToStreamMulti(ctx context.Context, runID, name string, chunks [][]byte) error {
	e := s.entryFor(runID, name, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return stream.ErrClosed
	}
	e.chunks = append(e.chunks, chunks...)
	e.cond.Broadcast()
	return nil
}

// CloseStream implements stream.Store.
func (s *Store) CloseStream(ctx context.Context, runID, name string) error {
	e := s.entryFor(runID, name, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.cond.Broadcast()
	return nil
}

// ReadFromStream implements stream.Store.
func (s *Store) ReadFromStream(ctx context.Context, runID, name string, startIndex int) (stream.Reader, error) {
	e := s.entryFor(runID, name, true)
	return &reader{e: e, next: startIndex, ctx: ctx}, nil
}

type reader struct {
	e    *entry
	next int
	ctx  context.Context
}

func (r *reader) Next(ctx context.Context) (stream.Chunk, bool, error) {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	for {
		if r.next < len(r.e.chunks) {
			c := stream.Chunk{Index: r.next, Data: r.e.chunks[r.next]}
			r.next++
			return c, true, nil
		}
		if r.e.closed {
			return stream.Chunk{}, false, nil
		}
		if err := ctx.Err(); err != nil {
			return stream.Chunk{}, false, err
		}

		// Cond.Wait blocks the caller's goroutine without honoring ctx
		// cancellation directly, so bounce through a watcher that
		// broadcasts on cancellation too.
		stop := context.AfterFunc(ctx, func() {
			r.e.mu.Lock()
			r.e.cond.Broadcast()
			r.e.mu.Unlock()
		})
		r.e.cond.Wait()
		stop()
	}
}

func (r *reader) Close() error { return nil }
