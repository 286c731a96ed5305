package batchq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements the Store interface using MongoDB. Each job is a
// single document; progress commits use a compare-and-swap on the processed
// counter so concurrent writers cannot lose updates.
type MongoStore struct {
	client *mongo.Client
	jobs   *mongo.Collection
	logger *slog.Logger
}

// NewMongoStore connects to MongoDB and creates a new store using the
// "jobs" collection of the given database.
func NewMongoStore(ctx context.Context, uri, database string, logger *slog.Logger) (*MongoStore, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to create MongoDB client: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoStore{
		client: client,
		jobs:   client.Database(database).Collection("jobs"),
		logger: logger,
	}, nil
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

type mongoResult struct {
	ItemID  string `bson:"item_id"`
	Status  string `bson:"status"`
	Message string `bson:"message,omitempty"`
}

type mongoJob struct {
	ID             string        `bson:"_id"`
	Kind           string        `bson:"kind"`
	Status         string        `bson:"status"`
	TotalItems     int           `bson:"total_items"`
	ProcessedItems int           `bson:"processed_items"`
	FailedItems    int           `bson:"failed_items"`
	Payload        Payload       `bson:"payload,omitempty"`
	Items          []string      `bson:"items"`
	Results        []mongoResult `bson:"results"`
	CreatedAt      time.Time     `bson:"created_at"`
	StartedAt      *time.Time    `bson:"started_at,omitempty"`
	CompletedAt    *time.Time    `bson:"completed_at,omitempty"`
	Owner          string        `bson:"owner,omitempty"`
}

func toMongoJob(job *Job) *mongoJob {
	results := make([]mongoResult, 0, len(job.Results))
	for _, res := range job.Results {
		results = append(results, mongoResult{
			ItemID:  res.ItemID,
			Status:  string(res.Status),
			Message: res.Message,
		})
	}
	return &mongoJob{
		ID:             job.ID,
		Kind:           string(job.Kind),
		Status:         string(job.Status),
		TotalItems:     job.TotalItems,
		ProcessedItems: job.ProcessedItems,
		FailedItems:    job.FailedItems,
		Payload:        job.Payload,
		Items:          job.Items,
		Results:        results,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
		Owner:          job.Owner,
	}
}

func fromMongoJob(m *mongoJob) *Job {
	results := make([]ItemResult, 0, len(m.Results))
	for _, res := range m.Results {
		results = append(results, ItemResult{
			ItemID:  res.ItemID,
			Status:  ResultStatus(res.Status),
			Message: res.Message,
		})
	}
	return &Job{
		ID:             m.ID,
		Kind:           JobKind(m.Kind),
		Status:         JobStatus(m.Status),
		TotalItems:     m.TotalItems,
		ProcessedItems: m.ProcessedItems,
		FailedItems:    m.FailedItems,
		Payload:        m.Payload,
		Items:          m.Items,
		Results:        results,
		CreatedAt:      m.CreatedAt.Local(),
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
		Owner:          m.Owner,
	}
}

var runnableStatuses = []string{string(JobStatusPending), string(JobStatusProcessing)}
var terminalStatuses = []string{string(JobStatusCompleted), string(JobStatusCancelled), string(JobStatusFailed)}

// CreateJob persists a new pending job.
func (s *MongoStore) CreateJob(ctx context.Context, job *Job) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateNewJob(job); err != nil {
		return err
	}
	s.logger.Debug("CreateJob", "jobID", job.ID, "kind", job.Kind, "totalItems", job.TotalItems)

	if _, err := s.jobs.InsertOne(ctx, toMongoJob(job)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("job already exists: %s", job.ID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *MongoStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var m mongoJob
	err = s.jobs.FindOne(ctx, bson.M{"_id": jobID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return fromMongoJob(&m), nil
}

// casReplace applies mutate to the current record and replaces the document,
// guarded by a compare-and-swap on the processed counter and status. Retried
// a few times so concurrent writers serialize instead of losing updates.
func (s *MongoStore) casReplace(ctx context.Context, jobID string, mutate func(job *Job) error) (*Job, error) {
	const maxRetries = 5
	const retryDelay = 10 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			time.Sleep(retryDelay)
		}

		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		prevProcessed := job.ProcessedItems
		prevStatus := job.Status

		if err := mutate(job); err != nil {
			return nil, err
		}

		filter := bson.M{
			"_id":             jobID,
			"processed_items": prevProcessed,
			"status":          string(prevStatus),
		}
		res, err := s.jobs.ReplaceOne(ctx, filter, toMongoJob(job))
		if err != nil {
			return nil, fmt.Errorf("failed to replace job %s: %w", jobID, err)
		}
		if res.MatchedCount == 1 {
			return job, nil
		}
		// Lost the race to a concurrent writer; reload and retry.
		s.logger.Debug("casReplace: write conflict, retrying", "jobID", jobID, "attempt", attempt)
	}
	return nil, fmt.Errorf("write conflict on job %s after %d retries", jobID, maxRetries)
}

// UpdateProgress atomically applies a progress update via compare-and-swap.
func (s *MongoStore) UpdateProgress(ctx context.Context, jobID string, upd ProgressUpdate) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	s.logger.Debug("UpdateProgress", "jobID", jobID, "status", upd.Status,
		"processedDelta", upd.ProcessedDelta, "failedDelta", upd.FailedDelta)

	return s.casReplace(ctx, jobID, func(job *Job) error {
		return applyProgress(job, upd, time.Now())
	})
}

// OldestRunnable returns the oldest pending or processing job.
func (s *MongoStore) OldestRunnable(ctx context.Context) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}})
	var m mongoJob
	err = s.jobs.FindOne(ctx, bson.M{"status": bson.M{"$in": runnableStatuses}}, opts).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find runnable job: %w", err)
	}
	return fromMongoJob(&m), nil
}

// CancelJob marks a non-terminal job as cancelled.
func (s *MongoStore) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	s.logger.Debug("CancelJob", "jobID", jobID)

	return s.casReplace(ctx, jobID, func(job *Job) error {
		return applyProgress(job, ProgressUpdate{Status: JobStatusCancelled}, time.Now())
	})
}

// ListRecent returns job summaries ordered by creation time descending.
// Items and results bodies are projected away.
func (s *MongoStore) ListRecent(ctx context.Context, limit int) ([]*JobSummary, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []*JobSummary{}, nil
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"items": 0, "results": 0, "payload": 0})
	cursor, err := s.jobs.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent jobs: %w", err)
	}
	defer cursor.Close(ctx)

	summaries := make([]*JobSummary, 0, limit)
	for cursor.Next(ctx) {
		var m mongoJob
		if err := cursor.Decode(&m); err != nil {
			return nil, fmt.Errorf("failed to decode job summary: %w", err)
		}
		summaries = append(summaries, fromMongoJob(&m).Summary())
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}

// ActiveCount returns the number of pending or processing jobs.
func (s *MongoStore) ActiveCount(ctx context.Context) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	count, err := s.jobs.CountDocuments(ctx, bson.M{"status": bson.M{"$in": runnableStatuses}})
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return int(count), nil
}

// DropForTesting drops the store's database. Test helper only.
func (s *MongoStore) DropForTesting(ctx context.Context) error {
	return s.jobs.Database().Drop(ctx)
}

// CleanupExpiredJobs deletes finished jobs created longer than retention ago.
func (s *MongoStore) CleanupExpiredJobs(ctx context.Context, retention time.Duration) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if retention <= 0 {
		return fmt.Errorf("retention must be > 0, got %v", retention)
	}

	cutoff := time.Now().Add(-retention)
	res, err := s.jobs.DeleteMany(ctx, bson.M{
		"status":     bson.M{"$in": terminalStatuses},
		"created_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return fmt.Errorf("failed to cleanup expired jobs: %w", err)
	}
	if res.DeletedCount > 0 {
		s.logger.Debug("CleanupExpiredJobs: deleted expired jobs", "count", res.DeletedCount)
	}
	return nil
}
