// Package run defines the durable record of a single workflow execution
// (spec.md §3 "Run") and the store that persists it.
//
// A Run is identified by RunID (prefix "wrun_") and owned by that id: all
// mutation of a given run is serialized by the queue's single-active-consumer
// guarantee (spec.md §5), so Store implementations do not need to provide
// their own per-run locking.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the coarse-grained lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal status. Once a run reaches a
// terminal status no further events may be appended (spec.md §3 invariant 4).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ErrNotFound indicates no run record exists for the given RunID.
var ErrNotFound = errors.New("run: not found")

// ErrConflict indicates a Create or Update call lost an optimistic
// concurrency race (e.g. the run was already created, or was updated by a
// concurrent writer since the caller last observed it).
var ErrConflict = errors.New("run: conflict")

type (
	// Run is the durable record of one workflow execution (spec.md §3).
	Run struct {
		// RunID uniquely identifies this run (prefix "wrun_").
		RunID string
		// WorkflowName encodes "workflow//<moduleSpecifier>//<functionName>"
		// (spec.md §6 "Name encoding").
		WorkflowName string
		// Status is the current lifecycle state.
		Status Status
		// CreatedAt is when start() accepted the run.
		CreatedAt time.Time
		// StartedAt is when the first run_started event was appended.
		// Zero until the run transitions out of StatusPending.
		StartedAt time.Time
		// CompletedAt is when a terminal event was appended. Zero until
		// the run reaches a terminal status.
		CompletedAt time.Time
		// ExpiredAt is set if the run was reaped for exceeding its
		// execution budget. Zero if the run has not expired.
		ExpiredAt time.Time
		// Input is the serialized, format-prefixed workflow argument
		// payload (external boundary).
		Input json.RawMessage
		// Output is the serialized, format-prefixed workflow return
		// value, set only once Status is StatusCompleted.
		Output json.RawMessage
		// Error holds the failure summary once Status is StatusFailed.
		Error *Failure
		// ExecutionContext carries opaque metadata propagated from the
		// caller (trace carrier, runtime-version string, ...).
		ExecutionContext map[string]string
		// SpecVersion distinguishes payload encoding: 1 is legacy
		// non-prefixed, >=2 is format-prefixed (spec.md §3).
		SpecVersion int
	}

	// Failure is the terminal error summary recorded on a failed run.
	Failure struct {
		Message string
		Stack   string
	}

	// Store persists Run records. The atomic append-and-transition
	// primitive the workflow handler depends on, which returns the
	// post-append run snapshot so the handler can observe a
	// pending->running transition without a second read (spec.md §4.A),
	// lives on runlog.Store as AppendAndTransition.
	Store interface {
		// Create inserts a new pending run. Returns ErrConflict if
		// runID already exists.
		Create(ctx context.Context, r *Run) error

		// Get loads the current snapshot for runID. Returns ErrNotFound
		// if no such run exists.
		Get(ctx context.Context, runID string) (*Run, error)

		// Update applies patch to the run identified by runID and
		// returns the resulting snapshot. patch is applied by the
		// store under a per-run lock or equivalent atomic operation.
		Update(ctx context.Context, runID string, patch func(*Run)) (*Run, error)
	}
)

// Handle is a lightweight reference to a run, used to link parent and child
// runs without carrying transport/engine details (spec.md §4.E "Spawn
// workflow": only the child runId crosses back).
type Handle struct {
	RunID        string
	WorkflowName string
	ParentRunID  string
}
