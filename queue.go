package batchq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue ties a Store and a Registry together: it owns job creation, the
// control operations (cancel, retry, introspection), and the tick that
// advances the oldest runnable job by one bounded batch.
//
// Queue does not schedule itself. Anything able to call Tick on a roughly
// fixed interval qualifies as a trigger; Trigger in this package is one such
// implementation.
type Queue struct {
	store    Store
	registry *Registry
	config   *Config
	logger   *slog.Logger
	audit    AuditSink

	// tickMu makes ticks single-flight. Overlapping invocations from an
	// over-eager trigger skip instead of racing on the same job.
	tickMu sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithAudit sets the audit sink notified on job creation, completion, and
// cancellation.
func WithAudit(sink AuditSink) Option {
	return func(q *Queue) {
		q.audit = sink
	}
}

// NewQueue creates a new Queue on top of the given store and registry.
// A nil config falls back to LoadConfig and a nil logger to slog.Default.
func NewQueue(store Store, registry *Registry, config *Config, logger *slog.Logger, opts ...Option) *Queue {
	if config == nil {
		config = LoadConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		store:    store,
		registry: registry,
		config:   config,
		logger:   logger,
		audit:    NopAudit{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Create validates and persists a new pending job and returns its ID.
// An empty item list is rejected with ErrEmptyItems before anything is
// persisted; a kind with no registered handler is rejected with
// ErrUnknownKind so that bad kinds surface at creation rather than as a
// stream of failed items later.
func (q *Queue) Create(ctx context.Context, kind JobKind, items []string, payload Payload, owner string) (string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}
	q.logger.Debug("Create", "kind", kind, "itemCount", len(items), "owner", owner)
	if len(items) == 0 {
		q.logger.Debug("Create: error - empty item list", "kind", kind)
		return "", ErrEmptyItems
	}
	if !q.registry.Has(kind) {
		q.logger.Debug("Create: error - no handler registered", "kind", kind)
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	job := &Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Status:     JobStatusPending,
		TotalItems: len(items),
		Payload:    payload,
		Items:      items,
		Results:    []ItemResult{},
		CreatedAt:  time.Now(),
		Owner:      owner,
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		q.logger.Debug("Create: store.CreateJob error", "jobID", job.ID, "error", err)
		return "", err
	}
	q.logger.Debug("Create: job persisted", "jobID", job.ID, "kind", kind, "totalItems", job.TotalItems)

	q.audit.JobCreated(ctx, job)
	return job.ID, nil
}

// Get retrieves the full job record, always reflecting the last successfully
// committed state.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		q.logger.Debug("Get: error", "jobID", jobID, "error", err)
		return nil, err
	}
	q.logger.Debug("Get", "jobID", jobID, "status", job.Status, "processedItems", job.ProcessedItems)
	return job, nil
}

// ListRecent returns up to limit job summaries, newest first.
func (q *Queue) ListRecent(ctx context.Context, limit int) ([]*JobSummary, error) {
	summaries, err := q.store.ListRecent(ctx, limit)
	if err != nil {
		q.logger.Debug("ListRecent: error", "limit", limit, "error", err)
		return nil, err
	}
	q.logger.Debug("ListRecent", "limit", limit, "count", len(summaries))
	return summaries, nil
}

// ActiveCount returns the number of jobs still pending or processing.
func (q *Queue) ActiveCount(ctx context.Context) (int, error) {
	count, err := q.store.ActiveCount(ctx)
	if err != nil {
		q.logger.Debug("ActiveCount: error", "error", err)
		return 0, err
	}
	q.logger.Debug("ActiveCount", "count", count)
	return count, nil
}

// Cancel marks a non-terminal job as cancelled. Cancellation is cooperative:
// a batch already in flight still completes, and the next tick sees the
// terminal status and schedules nothing further for the job.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	job, err := q.store.CancelJob(ctx, jobID)
	if err != nil {
		q.logger.Debug("Cancel: error", "jobID", jobID, "error", err)
		return err
	}
	q.logger.Debug("Cancel: job cancelled", "jobID", jobID, "processedItems", job.ProcessedItems)

	q.audit.JobCancelled(ctx, job)
	return nil
}

// RetryFailed creates a new job covering exactly the failed items of an
// existing job, with the same kind and payload. The original job is left
// untouched so its history stays auditable. Returns ErrNoFailures when the
// job's results record no failed items.
func (q *Queue) RetryFailed(ctx context.Context, jobID string) (string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		q.logger.Debug("RetryFailed: GetJob error", "jobID", jobID, "error", err)
		return "", err
	}

	failed := job.FailedItemIDs()
	q.logger.Debug("RetryFailed", "jobID", jobID, "failedItems", len(failed))
	if len(failed) == 0 {
		return "", fmt.Errorf("job %s: %w", jobID, ErrNoFailures)
	}

	owner := ActorFromContext(ctx)
	if owner == "" {
		owner = job.Owner
	}
	newID, err := q.Create(ctx, job.Kind, failed, job.Payload, owner)
	if err != nil {
		q.logger.Debug("RetryFailed: Create error", "jobID", jobID, "error", err)
		return "", err
	}
	q.logger.Debug("RetryFailed: retry job created", "jobID", jobID, "retryJobID", newID, "itemCount", len(failed))
	return newID, nil
}

// Cleanup deletes finished jobs older than the configured retention window.
func (q *Queue) Cleanup(ctx context.Context) error {
	q.logger.Debug("Cleanup", "retention", q.config.Retention)
	if q.config.Retention <= 0 {
		return fmt.Errorf("retention must be > 0, got %v", q.config.Retention)
	}
	if err := q.store.CleanupExpiredJobs(ctx, q.config.Retention); err != nil {
		q.logger.Debug("Cleanup: store error", "error", err)
		return err
	}
	return nil
}

// Tick advances the single oldest runnable job by one bounded batch and
// returns. With no runnable job it is an idempotent no-op. Item-level
// failures are recorded in the job's results and never abort the batch;
// structural store errors abort the tick before any partial commit, leaving
// the job exactly as the previous tick left it.
//
// Ticks are single-flight: if another tick is still running, this call
// returns immediately without touching any job.
func (q *Queue) Tick(ctx context.Context) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if !q.tickMu.TryLock() {
		q.logger.Debug("Tick: skipped, previous tick still running")
		return nil
	}
	defer q.tickMu.Unlock()

	job, err := q.store.OldestRunnable(ctx)
	if errors.Is(err, ErrNotFound) {
		q.logger.Debug("Tick: no runnable job")
		return nil
	}
	if err != nil {
		q.logger.Debug("Tick: OldestRunnable error", "error", err)
		return err
	}
	q.logger.Debug("Tick: selected job", "jobID", job.ID, "kind", job.Kind, "status", job.Status,
		"processedItems", job.ProcessedItems, "totalItems", job.TotalItems)

	// First touch: pending -> processing, started_at set once.
	if job.Status == JobStatusPending {
		job, err = q.store.UpdateProgress(ctx, job.ID, ProgressUpdate{Status: JobStatusProcessing})
		if err != nil {
			return q.tickCommitErr(job, err)
		}
		q.logger.Debug("Tick: job started", "jobID", job.ID, "startedAt", job.StartedAt)
	}

	batch := job.Remaining()
	if len(batch) > q.config.BatchSize {
		batch = batch[:q.config.BatchSize]
	}

	// Offset already past the end, e.g. after a crash between the progress
	// commit and the completion transition. Just finish the job.
	if len(batch) == 0 {
		return q.completeJob(ctx, job)
	}

	results := make([]ItemResult, 0, len(batch))
	batchFailed := 0
	for _, itemID := range batch {
		res := q.registry.Dispatch(ctx, job.Kind, itemID, job.Payload)
		if res.Status == ResultFailed {
			batchFailed++
			q.logger.Debug("Tick: item failed", "jobID", job.ID, "itemID", itemID, "message", res.Message)
		} else {
			q.logger.Debug("Tick: item processed", "jobID", job.ID, "itemID", itemID)
		}
		results = append(results, res)
	}

	job, err = q.store.UpdateProgress(ctx, job.ID, ProgressUpdate{
		ProcessedDelta: len(results),
		FailedDelta:    batchFailed,
		Results:        results,
	})
	if err != nil {
		return q.tickCommitErr(job, err)
	}
	q.logger.Debug("Tick: batch committed", "jobID", job.ID, "batchSize", len(results),
		"batchFailed", batchFailed, "processedItems", job.ProcessedItems, "totalItems", job.TotalItems)

	if job.ProcessedItems >= job.TotalItems {
		return q.completeJob(ctx, job)
	}
	return nil
}

// completeJob transitions a job whose offset has reached its total.
func (q *Queue) completeJob(ctx context.Context, job *Job) error {
	job, err := q.store.UpdateProgress(ctx, job.ID, ProgressUpdate{Status: JobStatusCompleted})
	if err != nil {
		return q.tickCommitErr(job, err)
	}
	q.logger.Debug("Tick: job completed", "jobID", job.ID,
		"processedItems", job.ProcessedItems, "failedItems", job.FailedItems)
	q.audit.JobCompleted(ctx, job)
	return nil
}

// tickCommitErr resolves a failed commit. A job cancelled while its batch was
// in flight surfaces as ErrAlreadyFinished; the work of that batch is
// discarded and the tick ends cleanly, everything else is a structural error.
func (q *Queue) tickCommitErr(job *Job, err error) error {
	if errors.Is(err, ErrAlreadyFinished) {
		jobID := ""
		if job != nil {
			jobID = job.ID
		}
		q.logger.Debug("Tick: job finished while batch was in flight", "jobID", jobID)
		return nil
	}
	return err
}

// Close closes the queue's store.
func (q *Queue) Close() error {
	return q.store.Close()
}
