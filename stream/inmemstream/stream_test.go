package inmemstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowlayer/workflow/stream"
	"github.com/stretchr/testify/require"
)

func TestReaderTailsUnclosedStream(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.WriteToStream(ctx, "wrun_1", "strm_1", []byte("one")))

	reader, err := s.ReadFromStream(ctx, "wrun_1", "strm_1", 0)
	require.NoError(t, err)

	c, ok, err := reader.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("one"), c.Data)

	var wg sync.WaitGroup
	wg.Add(1)
	var second stream.Chunk
	var secondOK bool
	go func() {
		defer wg.Done()
		second, secondOK, _ = reader.Next(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.WriteToStream(ctx, "wrun_1", "strm_1", []byte("two")))
	wg.Wait()

	require.True(t, secondOK)
	require.Equal(t, []byte("two"), second.Data)
}

func TestMultipleReadersJoinAtDifferentIndices(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.WriteToStreamMulti(ctx, "wrun_2", "strm_2", [][]byte{[]byte("a"), []byte("b"), []byte("c")}))
	require.NoError(t, s.CloseStream(ctx, "wrun_2", "strm_2"))

	early, err := s.ReadFromStream(ctx, "wrun_2", "strm_2", 0)
	require.NoError(t, err)
	late, err := s.ReadFromStream(ctx, "wrun_2", "strm_2", 2)
	require.NoError(t, err)

	c, ok, err := early.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), c.Data)

	c, ok, err = late.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("c"), c.Data)

	_, ok, err = late.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteAfterCloseFails(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CloseStream(ctx, "wrun_3", "strm_3"))
	require.ErrorIs(t, s.WriteToStream(ctx, "wrun_3", "strm_3", []byte("x")), stream.ErrClosed)
}
