package consumer_test

import (
	"testing"

	"github.com/flowlayer/workflow/consumer"
	"github.com/flowlayer/workflow/runlog"
	"github.com/stretchr/testify/require"
)

func TestSubscribeDeliversMatchingEventsUntilFinished(t *testing.T) {
	events := []*runlog.Event{
		{EventType: runlog.EventRunStarted},
		{EventType: runlog.EventStepCreated, CorrelationID: "step_a"},
		{EventType: runlog.EventStepStarted, CorrelationID: "step_a"},
		{EventType: runlog.EventStepCompleted, CorrelationID: "step_a"},
	}
	c := consumer.New(events)

	var seen []runlog.EventType
	finished := false
	c.Subscribe(func(e *runlog.Event) consumer.Disposition {
		if e == nil {
			return consumer.NotConsumed
		}
		if e.CorrelationID != "step_a" {
			return consumer.NotConsumed
		}
		seen = append(seen, e.EventType)
		if e.EventType == runlog.EventStepCompleted {
			finished = true
			return consumer.Finished
		}
		return consumer.Consumed
	})

	require.True(t, finished)
	require.Equal(t, []runlog.EventType{
		runlog.EventStepCreated, runlog.EventStepStarted, runlog.EventStepCompleted,
	}, seen)
}

func TestSubscribeNotifiesExhaustionWithNilEvent(t *testing.T) {
	events := []*runlog.Event{
		{EventType: runlog.EventStepCreated, CorrelationID: "step_a"},
	}
	c := consumer.New(events)

	exhausted := false
	c.Subscribe(func(e *runlog.Event) consumer.Disposition {
		if e == nil {
			exhausted = true
			return consumer.NotConsumed
		}
		if e.CorrelationID != "step_a" {
			return consumer.NotConsumed
		}
		return consumer.Consumed
	})

	require.True(t, exhausted)
}

// TestSerialSubscribeLosesEventsMeantForALaterSibling documents the reason
// SubscribeGroup exists: pump only advances past an event once every
// currently active subscriber has had a chance to claim it, so if two
// siblings' events interleave in the log but the second sibling subscribes
// only after the first's Subscribe call has already pumped past its
// events, the second sibling's earlier events are gone for good.
func TestSerialSubscribeLosesEventsMeantForALaterSibling(t *testing.T) {
	events := []*runlog.Event{
		{EventType: runlog.EventStepCreated, CorrelationID: "step_a"},
		{EventType: runlog.EventStepCreated, CorrelationID: "step_b"},
		{EventType: runlog.EventStepCompleted, CorrelationID: "step_a"},
		{EventType: runlog.EventStepCompleted, CorrelationID: "step_b"},
	}
	c := consumer.New(events)

	var aSeen, bSeen int
	c.Subscribe(func(e *runlog.Event) consumer.Disposition {
		if e == nil || e.CorrelationID != "step_a" {
			return consumer.NotConsumed
		}
		aSeen++
		if e.EventType == runlog.EventStepCompleted {
			return consumer.Finished
		}
		return consumer.Consumed
	})
	c.Subscribe(func(e *runlog.Event) consumer.Disposition {
		if e == nil || e.CorrelationID != "step_b" {
			return consumer.NotConsumed
		}
		bSeen++
		if e.EventType == runlog.EventStepCompleted {
			return consumer.Finished
		}
		return consumer.Consumed
	})

	require.Equal(t, 2, aSeen)
	// step_b's created event was already skipped by A's Subscribe call
	// before B ever subscribed, leaving only its completed event visible.
	require.Equal(t, 1, bSeen)
}

// TestSubscribeGroupDeliversInterleavedEventsToEachSibling is the fix for
// the scenario above: registering both handlers together via
// SubscribeGroup before any pumping happens means neither can run past the
// other's events.
func TestSubscribeGroupDeliversInterleavedEventsToEachSibling(t *testing.T) {
	events := []*runlog.Event{
		{EventType: runlog.EventStepCreated, CorrelationID: "step_a"},
		{EventType: runlog.EventStepCreated, CorrelationID: "step_b"},
		{EventType: runlog.EventStepCompleted, CorrelationID: "step_a"},
		{EventType: runlog.EventStepCompleted, CorrelationID: "step_b"},
	}
	c := consumer.New(events)

	var aSeen, bSeen int
	handlerFor := func(id string, seen *int) consumer.Handler {
		return func(e *runlog.Event) consumer.Disposition {
			if e == nil || e.CorrelationID != id {
				return consumer.NotConsumed
			}
			*seen++
			if e.EventType == runlog.EventStepCompleted {
				return consumer.Finished
			}
			return consumer.Consumed
		}
	}
	c.SubscribeGroup([]consumer.Handler{
		handlerFor("step_a", &aSeen),
		handlerFor("step_b", &bSeen),
	})

	require.Equal(t, 2, aSeen)
	require.Equal(t, 2, bSeen)
}
