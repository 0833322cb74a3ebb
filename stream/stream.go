// Package stream defines the append-only, one-writer-many-readers byte
// stream store described in spec.md §4.C, plus the buffered Sink that
// implements its backpressure policy. Concrete backends live in
// subpackages (redisstream, inmemstream).
package stream

import (
	"context"
	"errors"
)

// ErrClosed is returned by writes to a stream that has already been closed.
var ErrClosed = errors.New("stream: closed")

// ErrNotFound names a stream the store has never seen. The stores in this
// module do not return it: their ReadFromStream on an unknown name returns
// a Reader that waits for the stream's first write.
var ErrNotFound = errors.New("stream: not found")

// Chunk is one written unit: an index (0-based, assigned by the store in
// write order) and its bytes.
type Chunk struct {
	Index int
	Data  []byte
}

// Store is the pluggable "world" backend component for named byte streams
// (spec.md §4.C). A stream is scoped to a run and destroyed with the run's
// data; store implementations are free to key on (runID, name) internally
// but expose name as the addressable handle since names are already
// globally unique (strm_<ulid>).
type Store interface {
	// WriteToStream appends chunk to the stream, creating it if this is
	// the first write.
	WriteToStream(ctx context.Context, runID, name string, chunk []byte) error

	// WriteToStreamMulti appends chunks atomically as a single batch,
	// preserving order, matching the flush-window batching described in
	// spec.md §5 "Backpressure".
	WriteToStreamMulti(ctx context.Context, runID, name string, chunks [][]byte) error

	// CloseStream marks the stream closed. Subsequent writes fail with
	// ErrClosed; reads already in flight still observe every chunk
	// written before the close.
	CloseStream(ctx context.Context, runID, name string) error

	// ReadFromStream returns a Reader that yields chunks from startIndex
	// inclusive, blocking cooperatively for new chunks until the stream
	// is closed.
	ReadFromStream(ctx context.Context, runID, name string, startIndex int) (Reader, error)
}

// Reader is a tail-following cursor over one stream.
type Reader interface {
	// Next blocks until the next chunk is available, the stream closes
	// (ok == false, err == nil), or ctx is cancelled.
	Next(ctx context.Context) (chunk Chunk, ok bool, err error)
	Close() error
}
