package redisstream_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flowlayer/workflow/ids"
	"github.com/flowlayer/workflow/stream"
	"github.com/flowlayer/workflow/stream/redisstream"
)

// Skipped unless REDIS_ADDR points at a live Redis instance, the same
// gating store/mongo's integration test uses for MongoDB.
func newTestStore(t *testing.T) *redisstream.Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis stream integration test")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rdb.Ping(ctx).Err())
	t.Cleanup(func() { _ = rdb.Close() })

	return redisstream.New(rdb)
}

func TestRedisStreamWriteThenReadInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runID := ids.New(ids.PrefixRun)
	name := "strm_" + runID

	require.NoError(t, s.WriteToStreamMulti(ctx, runID, name, [][]byte{[]byte("a"), []byte("b")}))
	require.NoError(t, s.CloseStream(ctx, runID, name))

	reader, err := s.ReadFromStream(ctx, runID, name, 0)
	require.NoError(t, err)
	defer reader.Close()

	c, ok, err := reader.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), c.Data)

	c, ok, err = reader.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("b"), c.Data)

	_, ok, err = reader.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStreamWriteAfterCloseFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runID := ids.New(ids.PrefixRun)
	name := "strm_" + runID

	require.NoError(t, s.CloseStream(ctx, runID, name))
	err := s.WriteToStream(ctx, runID, name, []byte("late"))
	require.ErrorIs(t, err, stream.ErrClosed)
}
