//go:build sqlite
// +build sqlite

package batchq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements the Store interface using SQLite.
// It provides ACID transactions and is suitable for single-server deployments.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store.
// The database file will be created if it doesn't exist.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// initSchema initializes the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		total_items INTEGER NOT NULL,
		processed_items INTEGER NOT NULL DEFAULT 0,
		failed_items INTEGER NOT NULL DEFAULT 0,
		payload BLOB,
		items BLOB NOT NULL,
		owner TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS job_results (
		job_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		item_id TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT,
		PRIMARY KEY (job_id, seq),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `id, kind, status, total_items, processed_items, failed_items, payload, items, owner, created_at, started_at, completed_at`

// querier covers both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// scanJobRow scans one jobs row into a Job (results not populated).
func scanJobRow(row *sql.Row) (*Job, error) {
	var (
		job         Job
		payload     []byte
		items       []byte
		owner       sql.NullString
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.Kind, &job.Status, &job.TotalItems, &job.ProcessedItems,
		&job.FailedItems, &payload, &items, &owner, &createdAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for job %s: %w", job.ID, err)
		}
	}
	if err := json.Unmarshal(items, &job.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal items for job %s: %w", job.ID, err)
	}
	job.Owner = owner.String
	job.CreatedAt = time.Unix(0, createdAt)
	if startedAt.Valid {
		t := time.Unix(0, startedAt.Int64)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		job.CompletedAt = &t
	}
	return &job, nil
}

// getJobIn loads the full job record, including results, using q.
func (s *SQLiteStore) getJobIn(ctx context.Context, q querier, jobID string) (*Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJobRow(row)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT item_id, status, message FROM job_results
		WHERE job_id = ? ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results for job %s: %w", jobID, err)
	}
	defer rows.Close()

	job.Results = []ItemResult{}
	for rows.Next() {
		var res ItemResult
		var message sql.NullString
		if err := rows.Scan(&res.ItemID, &res.Status, &message); err != nil {
			return nil, fmt.Errorf("failed to scan result for job %s: %w", jobID, err)
		}
		res.Message = message.String
		job.Results = append(job.Results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return job, nil
}

// writeJobState persists the mutable job fields inside a transaction.
func writeJobState(ctx context.Context, tx *sql.Tx, job *Job) error {
	var startedAt, completedAt any
	if job.StartedAt != nil {
		startedAt = job.StartedAt.UnixNano()
	}
	if job.CompletedAt != nil {
		completedAt = job.CompletedAt.UnixNano()
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, processed_items = ?, failed_items = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`, job.Status, job.ProcessedItems, job.FailedItems, startedAt, completedAt, job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	return nil
}

// CreateJob persists a new pending job.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateNewJob(job); err != nil {
		return err
	}
	s.logger.Debug("CreateJob", "jobID", job.ID, "kind", job.Kind, "totalItems", job.TotalItems)

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	items, err := json.Marshal(job.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal items: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)
	`, job.ID, job.Kind, job.Status, job.TotalItems, job.ProcessedItems, job.FailedItems,
		payload, items, job.Owner, job.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	return s.getJobIn(ctx, s.db, jobID)
}

// UpdateProgress atomically applies a progress update inside one transaction.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, jobID string, upd ProgressUpdate) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	s.logger.Debug("UpdateProgress", "jobID", jobID, "status", upd.Status,
		"processedDelta", upd.ProcessedDelta, "failedDelta", upd.FailedDelta)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := s.getJobIn(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if err := applyProgress(job, upd, time.Now()); err != nil {
		return nil, err
	}

	if err := writeJobState(ctx, tx, job); err != nil {
		return nil, err
	}

	// Append the new results at their sequence positions.
	base := job.ProcessedItems - upd.ProcessedDelta
	for i, res := range upd.Results {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO job_results (job_id, seq, item_id, status, message)
			VALUES (?, ?, ?, ?, ?)
		`, job.ID, base+i, res.ItemID, res.Status, res.Message)
		if err != nil {
			return nil, fmt.Errorf("failed to insert result for job %s: %w", job.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return job, nil
}

// OldestRunnable returns the oldest pending or processing job.
func (s *SQLiteStore) OldestRunnable(ctx context.Context) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?)
		ORDER BY created_at ASC
		LIMIT 1
	`, JobStatusPending, JobStatusProcessing)
	job, err := scanJobRow(row)
	if err != nil {
		return nil, err
	}
	return s.getJobIn(ctx, s.db, job.ID)
}

// CancelJob marks a non-terminal job as cancelled.
func (s *SQLiteStore) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	s.logger.Debug("CancelJob", "jobID", jobID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := s.getJobIn(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if err := applyProgress(job, ProgressUpdate{Status: JobStatusCancelled}, time.Now()); err != nil {
		return nil, err
	}
	if err := writeJobState(ctx, tx, job); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return job, nil
}

// ListRecent returns job summaries ordered by creation time descending.
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]*JobSummary, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []*JobSummary{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, status, total_items, processed_items, failed_items, owner, created_at, started_at, completed_at
		FROM jobs
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent jobs: %w", err)
	}
	defer rows.Close()

	summaries := make([]*JobSummary, 0, limit)
	for rows.Next() {
		var (
			sum         JobSummary
			owner       sql.NullString
			createdAt   int64
			startedAt   sql.NullInt64
			completedAt sql.NullInt64
		)
		err := rows.Scan(&sum.ID, &sum.Kind, &sum.Status, &sum.TotalItems, &sum.ProcessedItems,
			&sum.FailedItems, &owner, &createdAt, &startedAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job summary: %w", err)
		}
		sum.Owner = owner.String
		sum.CreatedAt = time.Unix(0, createdAt)
		if startedAt.Valid {
			t := time.Unix(0, startedAt.Int64)
			sum.StartedAt = &t
		}
		if completedAt.Valid {
			t := time.Unix(0, completedAt.Int64)
			sum.CompletedAt = &t
		}
		summaries = append(summaries, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}

// ActiveCount returns the number of pending or processing jobs.
func (s *SQLiteStore) ActiveCount(ctx context.Context) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	var count int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status IN (?, ?)
	`, JobStatusPending, JobStatusProcessing).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return count, nil
}

// CleanupExpiredJobs deletes finished jobs created longer than retention ago.
// Result rows go with them via the foreign key cascade.
func (s *SQLiteStore) CleanupExpiredJobs(ctx context.Context, retention time.Duration) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if retention <= 0 {
		return fmt.Errorf("retention must be > 0, got %v", retention)
	}

	cutoff := time.Now().Add(-retention).UnixNano()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND created_at < ?
	`, JobStatusCompleted, JobStatusCancelled, JobStatusFailed, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup expired jobs: %w", err)
	}
	if deleted, err := res.RowsAffected(); err == nil && deleted > 0 {
		s.logger.Debug("CleanupExpiredJobs: deleted expired jobs", "count", deleted)
	}
	return nil
}

// SetJobCreatedAtForTesting backdates a job's creation time. Test helper only.
func (s *SQLiteStore) SetJobCreatedAtForTesting(ctx context.Context, jobID string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET created_at = ? WHERE id = ?`, createdAt.UnixNano(), jobID)
	return err
}
