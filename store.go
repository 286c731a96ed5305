package batchq

import (
	"context"
	"fmt"
	"time"
)

// ProgressUpdate describes one atomic mutation of a job's progress. Deltas
// are non-negative; Results must carry exactly ProcessedDelta entries so the
// append-only results list stays aligned with the processed counter.
type ProgressUpdate struct {
	// Status is the new status, or empty for no status change.
	Status JobStatus
	// ProcessedDelta is added to the job's processed counter.
	ProcessedDelta int
	// FailedDelta is added to the job's failed counter. Must not exceed ProcessedDelta.
	FailedDelta int
	// Results are appended to the job's results list, one per processed item.
	Results []ItemResult
}

// Store represents the interface for job storage backends; it is the single
// source of truth for job state. Implementations must be thread-safe, and
// UpdateProgress and CancelJob must apply as a single atomic
// read-modify-write per job (row transaction or compare-and-swap) so that
// overlapping callers cannot lose updates.
type Store interface {
	// CreateJob persists a new job. The job must have status pending, zero
	// counters, empty results, and a unique ID.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob retrieves the full job record including payload, items, and
	// results. Returns ErrNotFound if the job does not exist.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// UpdateProgress atomically applies upd to the job and returns the
	// updated record. Returns ErrNotFound for a missing job and
	// ErrAlreadyFinished for a job in a terminal status.
	UpdateProgress(ctx context.Context, jobID string, upd ProgressUpdate) (*Job, error)

	// OldestRunnable returns the single oldest job with status pending or
	// processing, FIFO by creation time. Returns ErrNotFound when no job
	// is runnable.
	OldestRunnable(ctx context.Context) (*Job, error)

	// CancelJob marks a non-terminal job as cancelled, sets its completion
	// time, and returns the updated record. Returns ErrNotFound for a
	// missing job and ErrAlreadyFinished for a terminal one.
	CancelJob(ctx context.Context, jobID string) (*Job, error)

	// ListRecent returns lightweight summaries of up to limit jobs,
	// ordered by creation time descending.
	ListRecent(ctx context.Context, limit int) ([]*JobSummary, error)

	// ActiveCount returns the number of jobs with status pending or processing.
	ActiveCount(ctx context.Context) (int, error)

	// CleanupExpiredJobs deletes jobs in a terminal status that were
	// created longer than retention ago.
	CleanupExpiredJobs(ctx context.Context, retention time.Duration) error

	// Close closes the store.
	Close() error
}

// applyProgress mutates job in place according to upd, enforcing the
// progress invariants shared by every backend:
//
//	0 <= processed <= total, 0 <= failed <= processed,
//	len(results) == processed, no transition out of a terminal status.
//
// Backends call it inside their per-job critical section (mutex,
// transaction, or CAS retry loop).
func applyProgress(job *Job, upd ProgressUpdate, now time.Time) error {
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrAlreadyFinished)
	}
	if upd.ProcessedDelta < 0 || upd.FailedDelta < 0 {
		return fmt.Errorf("progress deltas must be non-negative, got processed=%d failed=%d", upd.ProcessedDelta, upd.FailedDelta)
	}
	if upd.FailedDelta > upd.ProcessedDelta {
		return fmt.Errorf("failed delta %d exceeds processed delta %d", upd.FailedDelta, upd.ProcessedDelta)
	}
	if len(upd.Results) != upd.ProcessedDelta {
		return fmt.Errorf("got %d results for a processed delta of %d", len(upd.Results), upd.ProcessedDelta)
	}
	if job.ProcessedItems+upd.ProcessedDelta > job.TotalItems {
		return fmt.Errorf("progress %d+%d exceeds total %d for job %s", job.ProcessedItems, upd.ProcessedDelta, job.TotalItems, job.ID)
	}

	job.ProcessedItems += upd.ProcessedDelta
	job.FailedItems += upd.FailedDelta
	job.Results = append(job.Results, upd.Results...)

	switch upd.Status {
	case "":
		// counters-only update
	case JobStatusProcessing:
		if job.Status == JobStatusPending {
			job.Status = JobStatusProcessing
			if job.StartedAt == nil {
				startedAt := now
				job.StartedAt = &startedAt
			}
		}
	case JobStatusCompleted, JobStatusCancelled, JobStatusFailed:
		job.Status = upd.Status
		if job.CompletedAt == nil {
			completedAt := now
			job.CompletedAt = &completedAt
		}
	case JobStatusPending:
		return fmt.Errorf("job %s cannot transition back to %s", job.ID, upd.Status)
	default:
		return fmt.Errorf("invalid status %q for job %s", upd.Status, job.ID)
	}

	return nil
}

// validateNewJob checks the shape CreateJob requires of a fresh record.
func validateNewJob(job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if job.Status != JobStatusPending {
		return fmt.Errorf("job %s must have status %s, got %s", job.ID, JobStatusPending, job.Status)
	}
	if len(job.Items) == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrEmptyItems)
	}
	if job.TotalItems != len(job.Items) {
		return fmt.Errorf("job %s total %d does not match %d items", job.ID, job.TotalItems, len(job.Items))
	}
	if job.ProcessedItems != 0 || job.FailedItems != 0 || len(job.Results) != 0 {
		return fmt.Errorf("job %s must start with zero progress", job.ID)
	}
	return nil
}

// cloneJob returns a deep copy so callers can never alias store-owned state.
func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	out := *job
	if len(job.Items) > 0 {
		out.Items = make([]string, len(job.Items))
		copy(out.Items, job.Items)
	}
	if len(job.Results) > 0 {
		out.Results = make([]ItemResult, len(job.Results))
		copy(out.Results, job.Results)
	}
	if len(job.Payload) > 0 {
		out.Payload = make(Payload, len(job.Payload))
		for k, v := range job.Payload {
			out.Payload[k] = v
		}
	}
	if job.StartedAt != nil {
		startedAt := *job.StartedAt
		out.StartedAt = &startedAt
	}
	if job.CompletedAt != nil {
		completedAt := *job.CompletedAt
		out.CompletedAt = &completedAt
	}
	return &out
}
