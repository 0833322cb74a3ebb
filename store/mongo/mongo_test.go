package mongo_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flowlayer/workflow/ids"
	"github.com/flowlayer/workflow/run"
	"github.com/flowlayer/workflow/runlog"
	storemongo "github.com/flowlayer/workflow/store/mongo"
)

// These tests exercise the real driver against a live MongoDB instance and
// are skipped unless MONGO_URI points at one; there is no in-memory fake for
// the wire protocol, so correctness here can only be checked against the
// real thing.
func newTestStore(t *testing.T) *storemongo.Store {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set, skipping MongoDB integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	require.NoError(t, client.Ping(ctx, nil))

	dbName := "workflow_test_" + ids.New(ids.PrefixRun)
	store, err := storemongo.New(ctx, storemongo.Config{
		Client:   client,
		Database: dbName,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Database(dbName).Drop(context.Background()) })
	return store
}

func TestMongoRunStoreCreateGetUpdate(t *testing.T) {
	s := newTestStore(t)
	runs := s.Runs()
	ctx := context.Background()

	rec := &run.Run{
		RunID:        ids.New(ids.PrefixRun),
		WorkflowName: "workflow//./workflows/greet//greet",
		Status:       run.StatusPending,
		SpecVersion:  2,
	}
	require.NoError(t, runs.Create(ctx, rec))

	got, err := runs.Get(ctx, rec.RunID)
	require.NoError(t, err)
	require.Equal(t, run.StatusPending, got.Status)

	updated, err := runs.Update(ctx, rec.RunID, func(r *run.Run) {
		r.Status = run.StatusCompleted
	})
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, updated.Status)

	reloaded, err := runs.Get(ctx, rec.RunID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, reloaded.Status)
}

func TestMongoRunStoreGetUnknownReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Runs().Get(context.Background(), "wrun_missing")
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestMongoRunStoreCreateDuplicateReturnsErrConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := &run.Run{RunID: ids.New(ids.PrefixRun), WorkflowName: "demo", Status: run.StatusPending}
	require.NoError(t, s.Runs().Create(ctx, rec))
	require.ErrorIs(t, s.Runs().Create(ctx, rec), run.ErrConflict)
}

func TestMongoEventStoreAppendAndList(t *testing.T) {
	s := newTestStore(t)
	events := s.Events()
	ctx := context.Background()
	runID := ids.New(ids.PrefixRun)

	require.NoError(t, s.Runs().Create(ctx, &run.Run{RunID: runID, WorkflowName: "demo", Status: run.StatusPending}))

	require.NoError(t, events.Append(ctx, &runlog.Event{RunID: runID, EventType: runlog.EventRunCreated}))
	require.NoError(t, events.Append(ctx, &runlog.Event{RunID: runID, EventType: runlog.EventRunStarted}))
	require.NoError(t, events.Append(ctx, &runlog.Event{RunID: runID, EventType: runlog.EventStepCreated, CorrelationID: "corr_1"}))

	all, err := events.All(ctx, runID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, runlog.EventRunCreated, all[0].EventType)
	require.Equal(t, runlog.EventStepCreated, all[2].EventType)
	require.Equal(t, "corr_1", all[2].CorrelationID)

	page, err := events.List(ctx, runID, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	require.NotEmpty(t, page.NextCursor)

	rest, err := events.List(ctx, runID, page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, rest.Events, 1)
	require.Empty(t, rest.NextCursor)
}
