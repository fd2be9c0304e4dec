package queue

import (
	"context"
	"errors"
)

// Job is the processing payload: the report to analyze.
type Job struct {
	ReportID int64 `json:"report_id"`
}

// Handler processes a job. Return:
//   - nil on success (acked)
//   - Permanent(err) for a non-retriable failure (dropped)
//   - any other error for a transient failure (redelivered until the queue's
//     retry budget runs out; see IsFinalAttempt)
type Handler func(ctx context.Context, job Job) error

// Enqueuer publishes jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Queue delivers each enqueued job at least once to a handler.
type Queue interface {
	Enqueuer
	// Consume blocks dispatching jobs to h until ctx is cancelled.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

type attemptKey struct{}

// Attempt describes the delivery a handler is running under.
type Attempt struct {
	// N counts earlier failed attempts (0 on first delivery).
	N int
	// Final is set when a transient failure will not be retried.
	Final bool
}

// WithAttempt attaches delivery information to ctx for the handler.
func WithAttempt(ctx context.Context, a Attempt) context.Context {
	return context.WithValue(ctx, attemptKey{}, a)
}

// AttemptFrom returns the delivery information set by the queue, if any.
func AttemptFrom(ctx context.Context) (Attempt, bool) {
	a, ok := ctx.Value(attemptKey{}).(Attempt)
	return a, ok
}

// IsFinalAttempt reports whether a transient failure of the current delivery
// is the last one: the job will be dropped instead of redelivered.
func IsFinalAttempt(ctx context.Context) bool {
	a, ok := AttemptFrom(ctx)
	return ok && a.Final
}

// PermanentError marks a job failure as non-retriable.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError (non-retriable).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}
