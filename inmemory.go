package batchq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryStore implements the Store interface using in-memory maps.
// It uses a single mutex for thread-safety and is suitable for testing and
// short-lived embedded use; nothing survives a restart.
type InMemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	seq     map[string]uint64 // insertion order, tie-break for identical creation times
	nextSeq uint64
	closed  bool
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs: make(map[string]*Job),
		seq:  make(map[string]uint64),
	}
}

// Close closes the store and prevents further operations.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *InMemoryStore) ensureOpenLocked() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// CreateJob persists a new pending job.
func (s *InMemoryStore) CreateJob(ctx context.Context, job *Job) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateNewJob(job); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job already exists: %s", job.ID)
	}

	s.jobs[job.ID] = cloneJob(job)
	s.seq[job.ID] = s.nextSeq
	s.nextSeq++
	return nil
}

// GetJob retrieves a job by ID.
func (s *InMemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return cloneJob(job), nil
}

// UpdateProgress atomically applies a progress update to a job.
func (s *InMemoryStore) UpdateProgress(ctx context.Context, jobID string, upd ProgressUpdate) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}

	// Apply to a copy so a failed validation leaves the stored record untouched.
	updated := cloneJob(job)
	if err := applyProgress(updated, upd, time.Now()); err != nil {
		return nil, err
	}
	s.jobs[jobID] = updated
	return cloneJob(updated), nil
}

// OldestRunnable returns the oldest pending or processing job, FIFO by
// creation time.
func (s *InMemoryStore) OldestRunnable(ctx context.Context) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	var oldest *Job
	for _, job := range s.jobs {
		if !job.Status.Runnable() {
			continue
		}
		if oldest == nil || s.isOlderLocked(job, oldest) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	return cloneJob(oldest), nil
}

func (s *InMemoryStore) isOlderLocked(a, b *Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return s.seq[a.ID] < s.seq[b.ID]
}

// CancelJob marks a non-terminal job as cancelled.
func (s *InMemoryStore) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}

	updated := cloneJob(job)
	if err := applyProgress(updated, ProgressUpdate{Status: JobStatusCancelled}, time.Now()); err != nil {
		return nil, err
	}
	s.jobs[jobID] = updated
	return cloneJob(updated), nil
}

// ListRecent returns job summaries ordered by creation time descending.
func (s *InMemoryStore) ListRecent(ctx context.Context, limit int) ([]*JobSummary, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []*JobSummary{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, k int) bool {
		return s.isOlderLocked(jobs[k], jobs[i]) // newest first
	})

	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	summaries := make([]*JobSummary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, job.Summary())
	}
	return summaries, nil
}

// ActiveCount returns the number of pending or processing jobs.
func (s *InMemoryStore) ActiveCount(ctx context.Context) (int, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return 0, err
	}

	count := 0
	for _, job := range s.jobs {
		if job.Status.Runnable() {
			count++
		}
	}
	return count, nil
}

// CleanupExpiredJobs deletes finished jobs created longer than retention ago.
func (s *InMemoryStore) CleanupExpiredJobs(ctx context.Context, retention time.Duration) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if retention <= 0 {
		return fmt.Errorf("retention must be > 0, got %v", retention)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	cutoff := time.Now().Add(-retention)
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			delete(s.seq, id)
		}
	}
	return nil
}
