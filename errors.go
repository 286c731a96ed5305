package batchq

import "errors"

// Sentinel errors returned by the queue and its stores. Callers should match
// them with errors.Is; stores may wrap them with additional context.
var (
	// ErrEmptyItems is returned by Create when the item list is empty.
	// No job record is persisted.
	ErrEmptyItems = errors.New("job has no items")

	// ErrNotFound is returned when an operation references a job ID that
	// does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyFinished is returned when an operation requires a
	// non-terminal job but the job already completed, was cancelled, or failed.
	ErrAlreadyFinished = errors.New("job already finished")

	// ErrNoFailures is returned by RetryFailed when the job's results
	// contain no failed items.
	ErrNoFailures = errors.New("job has no failed items")

	// ErrUnknownKind is returned by Create for a kind with no registered
	// handler. During dispatch the same condition is recorded as an
	// item-level failure instead of being returned.
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrStoreClosed is returned by store operations after Close.
	ErrStoreClosed = errors.New("store is closed")
)
