package batchq

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements the Store interface using BadgerDB. Job records are
// stored as JSON values; two timestamp-ordered index keyspaces support FIFO
// selection of the oldest runnable job and newest-first listings.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore creates a new BadgerDB store.
// The database directory will be created if it doesn't exist.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerStore(dbPath string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Disable BadgerDB's internal logging (uses different logger interface)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

// Close closes the database connection
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// key prefixes
const (
	keyPrefixJob      = "job:"
	keyPrefixRunnable = "idx:runnable:"
	keyPrefixCreated  = "idx:created:"
)

// jobKey returns the key for a job record
func jobKey(jobID string) []byte {
	return []byte(keyPrefixJob + jobID)
}

// indexKey returns a timestamp-ordered index key under the given prefix.
// Big-endian encoding keeps lexicographic iteration in chronological order.
func indexKey(prefix, jobID string, createdAt time.Time) []byte {
	key := make([]byte, 0, len(prefix)+8+len(jobID))
	key = append(key, []byte(prefix)...)
	tsBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBytes, uint64(createdAt.UnixNano()))
	key = append(key, tsBytes...)
	key = append(key, []byte(jobID)...)
	return key
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
// This provides deterministic retry behavior suitable for tests (fixed delay, no jitter).
func (s *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := s.db.Update(fn)
		if err == nil {
			return nil
		}

		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue // Retry on conflict
		}
		return err
	}

	if lastErr != nil {
		return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
	}
	return fmt.Errorf("transaction conflict after %d retries", maxRetries)
}

// loadJob reads and unmarshals a job record inside a transaction.
func loadJob(txn *badger.Txn, jobID string) (*Job, error) {
	item, err := txn.Get(jobKey(jobID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to copy job %s: %w", jobID, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

// storeJob marshals and writes a job record inside a transaction.
func storeJob(txn *badger.Txn, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	if err := txn.Set(jobKey(job.ID), data); err != nil {
		return fmt.Errorf("failed to store job %s: %w", job.ID, err)
	}
	return nil
}

// CreateJob persists a new pending job and indexes it.
func (s *BadgerStore) CreateJob(ctx context.Context, job *Job) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateNewJob(job); err != nil {
		return err
	}
	s.logger.Debug("CreateJob", "jobID", job.ID, "kind", job.Kind, "totalItems", job.TotalItems)

	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(job.ID)); err == nil {
			return fmt.Errorf("job already exists: %s", job.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to check existing job: %w", err)
		}

		if err := storeJob(txn, job); err != nil {
			return err
		}
		if err := txn.Set(indexKey(keyPrefixRunnable, job.ID, job.CreatedAt), []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to index runnable job: %w", err)
		}
		if err := txn.Set(indexKey(keyPrefixCreated, job.ID, job.CreatedAt), []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to index job by creation time: %w", err)
		}
		return nil
	})
}

// GetJob retrieves a job by ID.
func (s *BadgerStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var job *Job
	err = s.db.View(func(txn *badger.Txn) error {
		job, err = loadJob(txn, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateProgress atomically applies a progress update inside one transaction.
// A job reaching a terminal status is removed from the runnable index.
func (s *BadgerStore) UpdateProgress(ctx context.Context, jobID string, upd ProgressUpdate) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	s.logger.Debug("UpdateProgress", "jobID", jobID, "status", upd.Status,
		"processedDelta", upd.ProcessedDelta, "failedDelta", upd.FailedDelta)

	var updated *Job
	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := loadJob(txn, jobID)
		if err != nil {
			return err
		}
		if err := applyProgress(job, upd, time.Now()); err != nil {
			return err
		}
		if err := storeJob(txn, job); err != nil {
			return err
		}
		if job.Status.Terminal() {
			if err := txn.Delete(indexKey(keyPrefixRunnable, job.ID, job.CreatedAt)); err != nil {
				return fmt.Errorf("failed to remove job from runnable index: %w", err)
			}
		}
		updated = job
		return nil
	})
	if err != nil {
		s.logger.Debug("UpdateProgress: error", "jobID", jobID, "error", err)
		return nil, err
	}
	return updated, nil
}

// OldestRunnable returns the oldest pending or processing job, FIFO by
// creation time. Index entries whose job is no longer runnable are skipped;
// they are deleted by the write path that finished the job.
func (s *BadgerStore) OldestRunnable(ctx context.Context) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var found *Job
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixRunnable)
		opts.PrefetchValues = true
		opts.Reverse = false // iterate oldest first

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixRunnable)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			jobIDBytes, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			job, err := loadJob(txn, string(jobIDBytes))
			if err != nil {
				continue
			}
			if !job.Status.Runnable() {
				continue // stale index entry
			}
			found = job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// CancelJob marks a non-terminal job as cancelled.
func (s *BadgerStore) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	s.logger.Debug("CancelJob", "jobID", jobID)

	var cancelled *Job
	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := loadJob(txn, jobID)
		if err != nil {
			return err
		}
		if err := applyProgress(job, ProgressUpdate{Status: JobStatusCancelled}, time.Now()); err != nil {
			return err
		}
		if err := storeJob(txn, job); err != nil {
			return err
		}
		if err := txn.Delete(indexKey(keyPrefixRunnable, job.ID, job.CreatedAt)); err != nil {
			return fmt.Errorf("failed to remove job from runnable index: %w", err)
		}
		cancelled = job
		return nil
	})
	if err != nil {
		s.logger.Debug("CancelJob: error", "jobID", jobID, "error", err)
		return nil, err
	}
	return cancelled, nil
}

// ListRecent returns job summaries ordered by creation time descending, via
// reverse iteration over the creation-time index.
func (s *BadgerStore) ListRecent(ctx context.Context, limit int) ([]*JobSummary, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []*JobSummary{}, nil
	}

	summaries := make([]*JobSummary, 0, limit)
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixCreated)
		opts.PrefetchValues = true
		opts.Reverse = true // newest first

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek to the end of the prefix range.
		seekKey := append([]byte(keyPrefixCreated), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		for it.Seek(seekKey); it.Valid() && len(summaries) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			jobIDBytes, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			job, err := loadJob(txn, string(jobIDBytes))
			if err != nil {
				continue
			}
			summaries = append(summaries, job.Summary())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// ActiveCount returns the number of pending or processing jobs.
func (s *BadgerStore) ActiveCount(ctx context.Context) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	count := 0
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixRunnable)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixRunnable)); it.Valid(); it.Next() {
			jobIDBytes, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			job, err := loadJob(txn, string(jobIDBytes))
			if err != nil {
				continue
			}
			if job.Status.Runnable() {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CleanupExpiredJobs deletes finished jobs created longer than retention ago,
// along with their index entries.
func (s *BadgerStore) CleanupExpiredJobs(ctx context.Context, retention time.Duration) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if retention <= 0 {
		return fmt.Errorf("retention must be > 0, got %v", retention)
	}

	cutoff := time.Now().Add(-retention)
	s.logger.Debug("CleanupExpiredJobs", "retention", retention, "cutoff", cutoff)

	// Collect expired job IDs first, then delete in a write transaction.
	var expired []*Job
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixJob)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				continue
			}
			if job.Status.Terminal() && job.CreatedAt.Before(cutoff) {
				expired = append(expired, &job)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		for _, job := range expired {
			if err := txn.Delete(jobKey(job.ID)); err != nil {
				return fmt.Errorf("failed to delete job %s: %w", job.ID, err)
			}
			if err := txn.Delete(indexKey(keyPrefixRunnable, job.ID, job.CreatedAt)); err != nil {
				return fmt.Errorf("failed to delete runnable index for %s: %w", job.ID, err)
			}
			if err := txn.Delete(indexKey(keyPrefixCreated, job.ID, job.CreatedAt)); err != nil {
				return fmt.Errorf("failed to delete created index for %s: %w", job.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("CleanupExpiredJobs: deleted expired jobs", "count", len(expired))
	return nil
}
