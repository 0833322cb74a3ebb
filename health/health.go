// Package health implements the queue-borne health-check protocol from
// spec.md §4.J: an unauthenticated probe shaped like a normal workflow
// message, recognized before payload parsing, answered over a stream
// rather than an HTTP response so it travels the same path as real work
// and bypasses any HTTP-level auth in front of the queue.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowlayer/workflow/stream"
)

// Status is the body written to the correlated stream in response to a
// ping.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// ping is the wire shape of a health-check message: "{__health:
// {correlationId}}" per spec.md §4.J.
type ping struct {
	Health *struct {
		CorrelationID string `json:"correlationId"`
	} `json:"__health"`
}

// ParsePing reports whether payload is a health-check ping and, if so,
// returns the correlationId the responder must answer on. Any payload that
// does not unmarshal, or unmarshals without a "__health" field, is not a
// ping — the caller should fall through to ordinary payload parsing (spec.md
// §4.G step 1 runs this check first).
func ParsePing(payload []byte) (correlationID string, ok bool) {
	var p ping
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", false
	}
	if p.Health == nil || p.Health.CorrelationID == "" {
		return "", false
	}
	return p.Health.CorrelationID, true
}

// streamName is the name a ping is answered on: strm_<correlationId>.
func streamName(correlationID string) string { return "strm_" + correlationID }

// Respond writes status to the stream correlated with correlationID and
// closes it, completing one side of the probe. The stream store's run
// scoping is irrelevant here since stream names are already globally
// unique, so correlationID doubles as the nominal runID.
func Respond(ctx context.Context, streams stream.Store, correlationID string, status Status) error {
	name := streamName(correlationID)
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("health: encode status: %w", err)
	}
	if err := streams.WriteToStream(ctx, correlationID, name, data); err != nil {
		return fmt.Errorf("health: write status: %w", err)
	}
	return streams.CloseStream(ctx, correlationID, name)
}

// Probe sends a ping to topic and waits up to timeout for the responder's
// status, opening the answer stream before enqueuing the ping so no
// response can be missed.
func Probe(ctx context.Context, q queueEnqueuer, streams stream.Store, topic, correlationID string, timeout time.Duration) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := streamName(correlationID)
	reader, err := streams.ReadFromStream(ctx, correlationID, name, 0)
	if err != nil {
		return Status{}, fmt.Errorf("health: open response stream: %w", err)
	}
	defer reader.Close()

	payload, err := json.Marshal(ping{Health: &struct {
		CorrelationID string `json:"correlationId"`
	}{CorrelationID: correlationID}})
	if err != nil {
		return Status{}, fmt.Errorf("health: encode ping: %w", err)
	}
	if err := q.Enqueue(ctx, topic, correlationID, payload); err != nil {
		return Status{}, fmt.Errorf("health: enqueue ping: %w", err)
	}

	chunk, ok, err := reader.Next(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("health: read response: %w", err)
	}
	if !ok {
		return Status{}, fmt.Errorf("health: stream closed with no status")
	}
	var status Status
	if err := json.Unmarshal(chunk.Data, &status); err != nil {
		return Status{}, fmt.Errorf("health: decode status: %w", err)
	}
	return status, nil
}

// queueEnqueuer is the minimal surface Probe needs from queue.Queue, kept
// narrow so health does not import queue just to name its interface type.
type queueEnqueuer interface {
	Enqueue(ctx context.Context, topic, key string, payload []byte) error
}
