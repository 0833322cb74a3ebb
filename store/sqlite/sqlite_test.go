package sqlite_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowlayer/workflow/run"
	"github.com/flowlayer/workflow/runlog"
	"github.com/flowlayer/workflow/store/sqlite"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), sqlite.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunStoreCreateGetUpdate(t *testing.T) {
	s := openTestStore(t)
	runs := s.Runs()
	ctx := context.Background()

	rec := &run.Run{
		RunID:        "wrun_1",
		WorkflowName: "workflow//./workflows/greet//greet",
		Status:       run.StatusPending,
		Input:        json.RawMessage(`j:["World"]`),
		SpecVersion:  2,
	}
	require.NoError(t, runs.Create(ctx, rec))

	got, err := runs.Get(ctx, "wrun_1")
	require.NoError(t, err)
	require.Equal(t, run.StatusPending, got.Status)
	require.Equal(t, json.RawMessage(`j:["World"]`), got.Input)

	updated, err := runs.Update(ctx, "wrun_1", func(r *run.Run) {
		r.Status = run.StatusCompleted
		r.Output = json.RawMessage(`j:"hello World"`)
	})
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, updated.Status)

	reloaded, err := runs.Get(ctx, "wrun_1")
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, reloaded.Status)
	require.Equal(t, json.RawMessage(`j:"hello World"`), reloaded.Output)
}

func TestRunStoreGetUnknownReturnsErrNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Runs().Get(context.Background(), "wrun_missing")
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestRunStoreCreateDuplicateReturnsErrConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := &run.Run{RunID: "wrun_dup", WorkflowName: "demo", Status: run.StatusPending}
	require.NoError(t, s.Runs().Create(ctx, rec))
	require.ErrorIs(t, s.Runs().Create(ctx, rec), run.ErrConflict)
}

func TestEventStoreAppendAndList(t *testing.T) {
	s := openTestStore(t)
	events := s.Events()
	ctx := context.Background()

	require.NoError(t, s.Runs().Create(ctx, &run.Run{RunID: "wrun_2", WorkflowName: "demo", Status: run.StatusPending}))

	require.NoError(t, events.Append(ctx, &runlog.Event{RunID: "wrun_2", EventType: runlog.EventRunCreated}))
	require.NoError(t, events.Append(ctx, &runlog.Event{RunID: "wrun_2", EventType: runlog.EventRunStarted}))
	require.NoError(t, events.Append(ctx, &runlog.Event{RunID: "wrun_2", EventType: runlog.EventStepCreated, CorrelationID: "corr_1"}))

	all, err := events.All(ctx, "wrun_2")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, runlog.EventRunCreated, all[0].EventType)
	require.Equal(t, runlog.EventStepCreated, all[2].EventType)
	require.Equal(t, "corr_1", all[2].CorrelationID)

	page, err := events.List(ctx, "wrun_2", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	require.NotEmpty(t, page.NextCursor)

	rest, err := events.List(ctx, "wrun_2", page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, rest.Events, 1)
	require.Empty(t, rest.NextCursor)
}
