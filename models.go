// Package batchq provides a resumable background job queue that advances
// long-running, per-item work in small bounded batches across repeated
// externally triggered invocations ("ticks"), with support for multiple
// storage backends (in-memory, BadgerDB, SQLite, MongoDB).
//
// The library supports:
//   - Crash-resumable processing: the next batch is always computed from the
//     persisted processed-item offset, so committed progress is never lost
//   - Per-item failure isolation: a failing handler is recorded as a failed
//     result and never aborts the batch or the job
//   - FIFO job scheduling: one bounded batch of the single oldest runnable
//     job per tick
//   - Cooperative cancellation observed at tick boundaries
//   - Retrying the failed subset of a finished job as a fresh job
//   - Automatic cleanup of finished jobs past a retention window
//
// Example usage:
//
//	store, _ := batchq.NewBadgerStore("./jobs.db", logger)
//	registry := batchq.NewRegistry()
//	registry.Register("bulk_fix", func(ctx context.Context, itemID string, payload batchq.Payload) (string, error) {
//	    return "fixed", nil
//	})
//	queue := batchq.NewQueue(store, registry, batchq.LoadConfig(), logger)
//	defer queue.Close()
//
//	jobID, _ := queue.Create(ctx, "bulk_fix", []string{"item-1", "item-2"}, nil, "admin")
//	queue.Tick(ctx) // usually driven by a Trigger or an external scheduler
package batchq

import (
	"time"
)

// JobStatus represents the status of a job in the queue.
// A job only ever moves forward: pending -> processing -> terminal.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting for its first batch.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing indicates the job has had at least one batch scheduled.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates every item of the job has been processed.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusCancelled indicates the job was cancelled by an operator before finishing.
	JobStatusCancelled JobStatus = "cancelled"
	// JobStatusFailed is a reserved terminal status for jobs abandoned due to
	// repeated structural errors. No code path in this package sets it today;
	// stores treat it as terminal so external tooling may use it.
	JobStatusFailed JobStatus = "failed"
)

// Terminal reports whether the status is final. A job never transitions out
// of a terminal status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled || s == JobStatusFailed
}

// Runnable reports whether a job in this status may still be advanced by a tick.
func (s JobStatus) Runnable() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

// JobKind identifies which registered handler processes a job's items.
type JobKind string

// Payload is the opaque, kind-specific configuration of a job.
// It is fixed at creation and handed unchanged to the handler for every item.
type Payload map[string]any

// ResultStatus is the outcome of processing a single item.
type ResultStatus string

const (
	// ResultSuccess indicates the handler processed the item successfully.
	ResultSuccess ResultStatus = "success"
	// ResultFailed indicates the handler (or dispatch itself) reported a failure.
	ResultFailed ResultStatus = "failed"
)

// ItemResult records the outcome of one processed item. Results are
// append-only and ordered: the Nth result corresponds to the Nth item
// processed, however many ticks that took.
type ItemResult struct {
	ItemID  string       // Identifier of the processed item
	Status  ResultStatus // success or failed
	Message string       // Handler success message or failure reason
}

// Job represents one unit of bulk work: an ordered list of items processed
// under a single configuration.
type Job struct {
	ID             string       // Unique job identifier, assigned at creation
	Kind           JobKind      // Which handler processes this job's items
	Status         JobStatus    // Current job status
	TotalItems     int          // Fixed at creation to len(Items)
	ProcessedItems int          // Monotonic counter; also the resume offset into Items
	FailedItems    int          // Monotonic counter of items whose handler failed
	Payload        Payload      // Opaque kind-specific configuration, immutable after creation
	Items          []string     // Ordered item identifiers, immutable after creation
	Results        []ItemResult // Append-only, one entry per processed item, in processing order
	CreatedAt      time.Time    // When the job was created
	StartedAt      *time.Time   // Set once, on first transition to processing (nil before)
	CompletedAt    *time.Time   // Set once, on reaching a terminal status (nil before)
	Owner          string       // Actor that created the job, for auditing only
}

// Remaining returns the item identifiers not yet committed as processed.
func (j *Job) Remaining() []string {
	if j.ProcessedItems >= len(j.Items) {
		return nil
	}
	return j.Items[j.ProcessedItems:]
}

// FailedItemIDs returns the identifiers of items recorded as failed, in
// processing order.
func (j *Job) FailedItemIDs() []string {
	ids := make([]string, 0, j.FailedItems)
	for _, res := range j.Results {
		if res.Status == ResultFailed {
			ids = append(ids, res.ItemID)
		}
	}
	return ids
}

// JobSummary is a lightweight view of a job for listings. It carries the
// counters but not the items/results bodies.
type JobSummary struct {
	ID             string
	Kind           JobKind
	Status         JobStatus
	TotalItems     int
	ProcessedItems int
	FailedItems    int
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Owner          string
}

// Summary returns the lightweight view of the job.
func (j *Job) Summary() *JobSummary {
	return &JobSummary{
		ID:             j.ID,
		Kind:           j.Kind,
		Status:         j.Status,
		TotalItems:     j.TotalItems,
		ProcessedItems: j.ProcessedItems,
		FailedItems:    j.FailedItems,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		Owner:          j.Owner,
	}
}
