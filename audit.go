package batchq

import (
	"context"
	"log/slog"
)

// AuditSink is notified about job lifecycle events. It is purely advisory:
// sinks must not fail the operation that triggered them, and the queue never
// depends on a sink for correctness.
type AuditSink interface {
	JobCreated(ctx context.Context, job *Job)
	JobCompleted(ctx context.Context, job *Job)
	JobCancelled(ctx context.Context, job *Job)
}

// NopAudit discards all audit events.
type NopAudit struct{}

func (NopAudit) JobCreated(context.Context, *Job)   {}
func (NopAudit) JobCompleted(context.Context, *Job) {}
func (NopAudit) JobCancelled(context.Context, *Job) {}

// LogAudit writes audit events to a slog.Logger, tagging each event with the
// actor carried in the context (see WithActor).
type LogAudit struct {
	logger *slog.Logger
}

// NewLogAudit creates an audit sink backed by the given logger.
func NewLogAudit(logger *slog.Logger) *LogAudit {
	return &LogAudit{logger: logger}
}

func (a *LogAudit) JobCreated(ctx context.Context, job *Job) {
	a.logger.Info("job created",
		"jobID", job.ID, "kind", job.Kind, "totalItems", job.TotalItems,
		"owner", job.Owner, "actor", ActorFromContext(ctx))
}

func (a *LogAudit) JobCompleted(ctx context.Context, job *Job) {
	a.logger.Info("job completed",
		"jobID", job.ID, "kind", job.Kind, "processedItems", job.ProcessedItems,
		"failedItems", job.FailedItems, "actor", ActorFromContext(ctx))
}

func (a *LogAudit) JobCancelled(ctx context.Context, job *Job) {
	a.logger.Info("job cancelled",
		"jobID", job.ID, "kind", job.Kind, "processedItems", job.ProcessedItems,
		"actor", ActorFromContext(ctx))
}
