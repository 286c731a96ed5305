package batchq

import (
	"context"
	"log/slog"
	"time"
)

// Trigger is a periodic invoker for a Queue. It calls Tick on a fixed
// interval and runs retention cleanup on a slower one. It exists for
// deployments without an external scheduler; anything else able to call
// Queue.Tick periodically (a cron daemon, a message consumer) works just as
// well, and the queue itself never schedules anything.
type Trigger struct {
	queue  *Queue
	config *Config
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewTrigger creates a new trigger for the queue.
// config controls the tick and cleanup intervals; nil falls back to LoadConfig.
func NewTrigger(queue *Queue, config *Config, logger *slog.Logger) *Trigger {
	if config == nil {
		config = LoadConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		queue:  queue,
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start starts the trigger's background goroutines:
//   - a tick loop invoking Queue.Tick every TickInterval
//   - a cleanup loop invoking Queue.Cleanup every CleanupInterval
//
// It returns immediately; the trigger runs until Stop is called.
func (t *Trigger) Start(ctx context.Context) {
	go t.cleanupLoop(ctx)
	go t.tickLoop(ctx)
}

// Stop stops the trigger gracefully. A tick already in flight completes its
// batch; this method blocks until the tick loop has exited.
func (t *Trigger) Stop() {
	close(t.stopCh)
	<-t.doneCh
}

// tickLoop invokes ticks until stopped.
func (t *Trigger) tickLoop(ctx context.Context) {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.queue.Tick(ctx); err != nil {
				t.logger.Warn("tick failed", "error", err)
			}
		}
	}
}

// cleanupLoop periodically deletes expired finished jobs.
func (t *Trigger) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(t.config.CleanupInterval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	t.cleanup(ctx)

	for {
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.cleanup(ctx)
		}
	}
}

func (t *Trigger) cleanup(ctx context.Context) {
	if err := t.queue.Cleanup(ctx); err != nil {
		t.logger.Warn("cleanup failed", "error", err)
	}
}
