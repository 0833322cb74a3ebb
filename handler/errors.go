package handler

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// FatalStepError marks a step failure that must not be retried (spec.md
// §4.H: "the error is tagged fatal"). Step bodies return this (or wrap
// their error with it) to force immediate step_failed.
type FatalStepError struct {
	Cause error
}

func (e *FatalStepError) Error() string { return "fatal: " + e.Cause.Error() }
func (e *FatalStepError) Unwrap() error { return e.Cause }

// RetryableStepError marks a step failure with an explicit backoff before
// redelivery (spec.md §4.H: "the error is tagged retryable with a
// retryAfter").
type RetryableStepError struct {
	Cause      error
	RetryAfter time.Duration
}

func (e *RetryableStepError) Error() string { return "retryable: " + e.Cause.Error() }
func (e *RetryableStepError) Unwrap() error { return e.Cause }

// RetryPolicy governs the default exponential-backoff path used for step
// errors that are neither FatalStepError nor RetryableStepError, modeled on
// the teacher's ActivityOptions.RetryPolicy shape (MaxAttempts,
// InitialInterval, BackoffCoefficient).
type RetryPolicy struct {
	MaxRetries         int
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaxInterval        time.Duration
}

// DefaultRetryPolicy matches the teacher's activity default: a handful of
// attempts with a short initial interval doubling up to a ceiling.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:         5,
	InitialInterval:    time.Second,
	BackoffCoefficient: 2.0,
	MaxInterval:        time.Minute,
}

// BackoffFor returns the delay before the given attempt (1-indexed) under
// p, capped at MaxInterval.
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt-1))
	if cap := float64(p.MaxInterval); p.MaxInterval > 0 && d > cap {
		d = cap
	}
	return time.Duration(d)
}

// classify inspects err and returns the retry decision for it: fatal (no
// retryAfter, retry false), an explicit retryAfter, or a policy-computed
// backoff, per spec.md §4.H step 5.
func classify(err error, attempt int, policy RetryPolicy) (retry bool, after time.Duration) {
	var fatal *FatalStepError
	if errors.As(err, &fatal) {
		return false, 0
	}
	var retryable *RetryableStepError
	if errors.As(err, &retryable) {
		return true, retryable.RetryAfter
	}
	if attempt > policy.MaxRetries {
		return false, 0
	}
	return true, policy.BackoffFor(attempt)
}

// ErrUnknownWorkflow is returned when a delivery names a workflow not
// present in the handler's registered workflow map (spec.md §4.G: "the
// handler does not need to validate that the function exists before
// consuming the message; it will fail naturally").
var ErrUnknownWorkflow = fmt.Errorf("handler: workflow not registered")

// ErrUnknownStep is the step-delivery analogue of ErrUnknownWorkflow.
var ErrUnknownStep = fmt.Errorf("handler: step not registered")
