package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/flowlayer/workflow/engine"
	"github.com/flowlayer/workflow/runlog"
	"github.com/flowlayer/workflow/serialize"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func encodeStepResult(t *testing.T, reg *serialize.Registry, v any) string {
	t.Helper()
	codec := &serialize.Codec{Boundary: serialize.StepBoundary, Registry: reg, Operation: "test"}
	payload, err := codec.Encode(v)
	require.NoError(t, err)
	return string(payload)
}

func TestRunSuspendsWithNoEvents(t *testing.T) {
	reg := serialize.NewRegistry()
	fn := func(wctx *engine.Context, args []any) (any, error) {
		v, err := wctx.UseStep("double", nil, nil, args[0])
		if err != nil {
			return nil, err
		}
		return v, nil
	}

	out := engine.Run(context.Background(), fn, "wrun_1", nil, []any{float64(21)}, fixedClock(time.Unix(0, 0)), reg)
	require.Equal(t, engine.OutcomeSuspended, out.Kind)

	steps, hooks, waits := out.Pending.Counts()
	require.Equal(t, 1, steps)
	require.Equal(t, 0, hooks)
	require.Equal(t, 0, waits)
}

func TestRunCompletesWhenStepResolvedFromLog(t *testing.T) {
	reg := serialize.NewRegistry()
	clock := fixedClock(time.Unix(0, 0))

	fn := func(wctx *engine.Context, args []any) (any, error) {
		v, err := wctx.UseStep("double", nil, nil, args[0])
		if err != nil {
			return nil, err
		}
		return v, nil
	}

	// First pass discovers the correlationId the seeded factory will
	// mint, so the fixture log can reference it.
	probe := engine.Run(context.Background(), fn, "wrun_2", nil, []any{float64(21)}, clock, reg)
	require.Equal(t, engine.OutcomeSuspended, probe.Kind)
	require.Len(t, probe.Pending.Items, 1)
	var correlationID string
	for id := range probe.Pending.Items {
		correlationID = id
	}

	resultPayload := encodeStepResult(t, reg, float64(42))
	completedData, err := json.Marshal(runlog.StepCompletedData{Result: resultPayload})
	require.NoError(t, err)

	events := []*runlog.Event{
		{EventType: runlog.EventStepCreated, CorrelationID: correlationID},
		{EventType: runlog.EventStepStarted, CorrelationID: correlationID},
		{EventType: runlog.EventStepCompleted, CorrelationID: correlationID, EventData: completedData},
	}

	out := engine.Run(context.Background(), fn, "wrun_2", events, []any{float64(21)}, clock, reg)
	require.Equal(t, engine.OutcomeCompleted, out.Kind)
	require.Equal(t, float64(42), out.Value)
}

func TestRunFailsWhenStepFailedFromLog(t *testing.T) {
	reg := serialize.NewRegistry()
	clock := fixedClock(time.Unix(0, 0))

	fn := func(wctx *engine.Context, args []any) (any, error) {
		_, err := wctx.UseStep("explode", nil, nil, args[0])
		if err != nil {
			return nil, err
		}
		return nil, nil
	}

	probe := engine.Run(context.Background(), fn, "wrun_3", nil, []any{float64(1)}, clock, reg)
	var correlationID string
	for id := range probe.Pending.Items {
		correlationID = id
	}

	failedData, err := json.Marshal(runlog.StepFailedData{Error: runlog.ErrorData{Message: "boom"}})
	require.NoError(t, err)

	events := []*runlog.Event{
		{EventType: runlog.EventStepCreated, CorrelationID: correlationID},
		{EventType: runlog.EventStepFailed, CorrelationID: correlationID, EventData: failedData},
	}

	out := engine.Run(context.Background(), fn, "wrun_3", events, []any{float64(1)}, clock, reg)
	require.Equal(t, engine.OutcomeFailed, out.Kind)
	require.ErrorContains(t, out.Err, "boom")
}

// promiseAllWorkflow starts one step per name and awaits all of them
// together with All, concatenating their results in name order — spec.md
// §8 scenario 2: promiseAll(["A","B","C"]) -> "ABC".
func promiseAllWorkflow(names []string) engine.WorkflowFunc {
	return func(wctx *engine.Context, args []any) (any, error) {
		a := wctx.NewStep(names[0], nil, nil)
		b := wctx.NewStep(names[1], nil, nil)
		c := wctx.NewStep(names[2], nil, nil)
		wctx.All(a, b, c)

		result := ""
		for _, aw := range []*engine.StepAwaitable{a, b, c} {
			v, err := aw.Result()
			if err != nil {
				return nil, err
			}
			result += v.(string)
		}
		return result, nil
	}
}

func TestRunStartsAllPromiseAllStepsInOnePassBeforeSuspending(t *testing.T) {
	reg := serialize.NewRegistry()
	clock := fixedClock(time.Unix(0, 0))
	names := []string{"A", "B", "C"}
	fn := promiseAllWorkflow(names)

	probe := engine.Run(context.Background(), fn, "wrun_promiseall", nil, nil, clock, reg)
	require.Equal(t, engine.OutcomeSuspended, probe.Kind)

	// All three steps must have been registered in this single replay
	// pass, not just the first one.
	steps, hooks, waits := probe.Pending.Counts()
	require.Equal(t, 3, steps)
	require.Equal(t, 0, hooks)
	require.Equal(t, 0, waits)

	correlationIDFor := make(map[string]string, len(names))
	for id, item := range probe.Pending.Items {
		correlationIDFor[item.StepName] = id
	}
	require.Len(t, correlationIDFor, len(names))

	// Deliver the step_created/started events out of each step's own
	// order and the completions in reverse, so resolving this relies on
	// each step's subscriber claiming its own interleaved events rather
	// than on program order matching log order.
	var events []*runlog.Event
	for _, name := range names {
		id := correlationIDFor[name]
		events = append(events,
			&runlog.Event{EventType: runlog.EventStepCreated, CorrelationID: id},
			&runlog.Event{EventType: runlog.EventStepStarted, CorrelationID: id},
		)
	}
	for i := len(names) - 1; i >= 0; i-- {
		id := correlationIDFor[names[i]]
		completedData, err := json.Marshal(runlog.StepCompletedData{Result: encodeStepResult(t, reg, names[i])})
		require.NoError(t, err)
		events = append(events, &runlog.Event{EventType: runlog.EventStepCompleted, CorrelationID: id, EventData: completedData})
	}

	out := engine.Run(context.Background(), fn, "wrun_promiseall", events, nil, clock, reg)
	require.Equal(t, engine.OutcomeCompleted, out.Kind)
	require.Equal(t, "ABC", out.Value)
}

func TestRunStaysSuspendedWhenOnlySomePromiseAllStepsResolve(t *testing.T) {
	reg := serialize.NewRegistry()
	clock := fixedClock(time.Unix(0, 0))
	names := []string{"A", "B", "C"}
	fn := promiseAllWorkflow(names)

	probe := engine.Run(context.Background(), fn, "wrun_promiseall_partial", nil, nil, clock, reg)
	require.Equal(t, engine.OutcomeSuspended, probe.Kind)

	correlationIDFor := make(map[string]string, len(names))
	for id, item := range probe.Pending.Items {
		correlationIDFor[item.StepName] = id
	}

	completedData, err := json.Marshal(runlog.StepCompletedData{Result: encodeStepResult(t, reg, "A")})
	require.NoError(t, err)
	events := []*runlog.Event{
		{EventType: runlog.EventStepCreated, CorrelationID: correlationIDFor["A"]},
		{EventType: runlog.EventStepCompleted, CorrelationID: correlationIDFor["A"], EventData: completedData},
		{EventType: runlog.EventStepCreated, CorrelationID: correlationIDFor["B"]},
		{EventType: runlog.EventStepCreated, CorrelationID: correlationIDFor["C"]},
	}

	out := engine.Run(context.Background(), fn, "wrun_promiseall_partial", events, nil, clock, reg)
	require.Equal(t, engine.OutcomeSuspended, out.Kind)

	steps, _, _ := out.Pending.Counts()
	require.Equal(t, 2, steps)
	require.Contains(t, out.Pending.Items, correlationIDFor["B"])
	require.Contains(t, out.Pending.Items, correlationIDFor["C"])
}

// TestRunSuspendsOnSleepThenResumesOnSynthesizedWaitCompleted covers
// spec.md §8 scenario 3: a workflow that sleeps records wait_created, the
// first replay pass suspends, and a later pass with a wait_completed event
// (as the handler layer synthesizes once resumeAt has passed) lets it
// finish.
func TestRunSuspendsOnSleepThenResumesOnSynthesizedWaitCompleted(t *testing.T) {
	reg := serialize.NewRegistry()
	clock := fixedClock(time.Unix(0, 0))

	fn := func(wctx *engine.Context, args []any) (any, error) {
		wctx.Sleep(10 * time.Second)
		return "awake", nil
	}

	probe := engine.Run(context.Background(), fn, "wrun_sleep", nil, nil, clock, reg)
	require.Equal(t, engine.OutcomeSuspended, probe.Kind)
	_, _, waits := probe.Pending.Counts()
	require.Equal(t, 1, waits)

	var correlationID string
	var resumeAt time.Time
	for id, item := range probe.Pending.Items {
		correlationID = id
		resumeAt = item.ResumeAt
	}
	require.False(t, resumeAt.IsZero())

	waitCreatedData, err := json.Marshal(runlog.WaitCreatedData{ResumeAt: resumeAt})
	require.NoError(t, err)
	events := []*runlog.Event{
		{EventType: runlog.EventWaitCreated, CorrelationID: correlationID, EventData: waitCreatedData},
		{EventType: runlog.EventWaitCompleted, CorrelationID: correlationID},
	}

	out := engine.Run(context.Background(), fn, "wrun_sleep", events, nil, clock, reg)
	require.Equal(t, engine.OutcomeCompleted, out.Kind)
	require.Equal(t, "awake", out.Value)
}

// TestRunCollectsHookPayloadsUntilDisposed covers spec.md §8 scenario 4: a
// hook that receives three payloads, the last marked done, yields them to
// the workflow in arrival order once hook_disposed appears.
func TestRunCollectsHookPayloadsUntilDisposed(t *testing.T) {
	reg := serialize.NewRegistry()
	clock := fixedClock(time.Unix(0, 0))

	fn := func(wctx *engine.Context, args []any) (any, error) {
		msgs := wctx.UseHook("tok_1", nil)
		return msgs, nil
	}

	probe := engine.Run(context.Background(), fn, "wrun_hook", nil, nil, clock, reg)
	require.Equal(t, engine.OutcomeSuspended, probe.Kind)
	_, hooks, _ := probe.Pending.Counts()
	require.Equal(t, 1, hooks)

	var correlationID string
	for id := range probe.Pending.Items {
		correlationID = id
	}

	hookCodec := &serialize.Codec{Boundary: serialize.StepBoundary, Registry: reg, Operation: "test"}
	encode := func(v any) string {
		payload, err := hookCodec.Encode(v)
		require.NoError(t, err)
		return string(payload)
	}

	m1, err := json.Marshal(runlog.HookReceivedData{Payload: encode("m1")})
	require.NoError(t, err)
	m2, err := json.Marshal(runlog.HookReceivedData{Payload: encode("m2")})
	require.NoError(t, err)
	m3, err := json.Marshal(runlog.HookReceivedData{Payload: encode("m3"), Done: true})
	require.NoError(t, err)

	events := []*runlog.Event{
		{EventType: runlog.EventHookCreated, CorrelationID: correlationID},
		{EventType: runlog.EventHookReceived, CorrelationID: correlationID, EventData: m1},
		{EventType: runlog.EventHookReceived, CorrelationID: correlationID, EventData: m2},
		{EventType: runlog.EventHookReceived, CorrelationID: correlationID, EventData: m3},
		{EventType: runlog.EventHookDisposed, CorrelationID: correlationID},
	}

	out := engine.Run(context.Background(), fn, "wrun_hook", events, nil, clock, reg)
	require.Equal(t, engine.OutcomeCompleted, out.Kind)
	require.Equal(t, []any{"m1", "m2", "m3"}, out.Value)
}

func TestSeededFactoryIsDeterministicAcrossReplays(t *testing.T) {
	reg := serialize.NewRegistry()
	clock := fixedClock(time.Unix(100, 0))

	fn := func(wctx *engine.Context, args []any) (any, error) {
		_, err := wctx.UseStep("noop", nil, nil)
		return nil, err
	}

	first := engine.Run(context.Background(), fn, "wrun_4", nil, nil, clock, reg)
	second := engine.Run(context.Background(), fn, "wrun_4", nil, nil, clock, reg)

	var firstID, secondID string
	for id := range first.Pending.Items {
		firstID = id
	}
	for id := range second.Pending.Items {
		secondID = id
	}
	require.Equal(t, firstID, secondID)
}
