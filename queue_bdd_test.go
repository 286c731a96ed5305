package batchq_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mkuznecovs/batchq"
)

var _ = Describe("Queue", func() {
	var (
		ctx      context.Context
		registry *batchq.Registry
		config   *batchq.Config
	)

	BeforeEach(func() {
		ctx = context.Background()
		registry = batchq.NewRegistry()
		config = &batchq.Config{
			BatchSize:       5,
			TickInterval:    time.Minute,
			Retention:       30 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		}
	})

	Describe("resumability with a durable store", func() {
		var tmpDir string

		BeforeEach(func() {
			var err error
			tmpDir, err = os.MkdirTemp("", "batchq_resume_*")
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			_ = os.RemoveAll(tmpDir)
		})

		It("should resume from the persisted offset after a restart without re-running committed items", func() {
			var mu sync.Mutex
			invocations := map[string]int{}
			registry.Register("bulk_fix", func(ctx context.Context, itemID string, payload batchq.Payload) (string, error) {
				mu.Lock()
				invocations[itemID]++
				mu.Unlock()
				return "ok", nil
			})

			store, err := batchq.NewBadgerStore(tmpDir, testLogger())
			Expect(err).NotTo(HaveOccurred())
			queue := batchq.NewQueue(store, registry, config, testLogger())

			items := make([]string, 7)
			for i := range items {
				items[i] = fmt.Sprintf("item-%d", i+1)
			}
			jobID, err := queue.Create(ctx, "bulk_fix", items, batchq.Payload{"source": "bdd"}, "admin")
			Expect(err).NotTo(HaveOccurred())

			Expect(queue.Tick(ctx)).To(Succeed())
			job, err := queue.Get(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ProcessedItems).To(Equal(5))
			Expect(job.Status).To(Equal(batchq.JobStatusProcessing))

			// Simulated restart: close everything, reopen on the same directory.
			Expect(queue.Close()).To(Succeed())
			store, err = batchq.NewBadgerStore(tmpDir, testLogger())
			Expect(err).NotTo(HaveOccurred())
			queue = batchq.NewQueue(store, registry, config, testLogger())
			defer queue.Close()

			Expect(queue.Tick(ctx)).To(Succeed())
			job, err = queue.Get(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ProcessedItems).To(Equal(7))
			Expect(job.Status).To(Equal(batchq.JobStatusCompleted))
			Expect(job.CompletedAt).NotTo(BeNil())
			Expect(job.Results).To(HaveLen(7))

			mu.Lock()
			defer mu.Unlock()
			for _, item := range items {
				Expect(invocations[item]).To(Equal(1), "item %s should run exactly once", item)
			}
		})
	})

	Describe("dispatching", func() {
		It("should record an unknown kind as item failures when the handler disappears after creation", func() {
			// Register to pass creation-time validation, then drop the
			// registry on the queue that runs the tick, as happens when a
			// process restarts with fewer handlers registered.
			registry.Register("transient", func(ctx context.Context, itemID string, payload batchq.Payload) (string, error) {
				return "ok", nil
			})

			store := batchq.NewInMemoryStore()
			queue := batchq.NewQueue(store, registry, config, testLogger())
			jobID, err := queue.Create(ctx, "transient", []string{"x", "y"}, nil, "admin")
			Expect(err).NotTo(HaveOccurred())

			restarted := batchq.NewQueue(store, batchq.NewRegistry(), config, testLogger())
			defer restarted.Close()
			Expect(restarted.Tick(ctx)).To(Succeed())

			job, err := restarted.Get(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(batchq.JobStatusCompleted))
			Expect(job.FailedItems).To(Equal(2))
			for _, res := range job.Results {
				Expect(res.Status).To(Equal(batchq.ResultFailed))
				Expect(res.Message).To(ContainSubstring("unknown job kind"))
			}
		})
	})

	Describe("cancellation during a batch", func() {
		It("should discard the in-flight batch of a job cancelled mid-tick", func() {
			started := make(chan struct{})
			proceed := make(chan struct{})
			registry.Register("slow", func(ctx context.Context, itemID string, payload batchq.Payload) (string, error) {
				select {
				case <-started:
				default:
					close(started)
				}
				<-proceed
				return "ok", nil
			})

			store := batchq.NewInMemoryStore()
			queue := batchq.NewQueue(store, registry, config, testLogger())
			defer queue.Close()

			jobID, err := queue.Create(ctx, "slow", []string{"x"}, nil, "admin")
			Expect(err).NotTo(HaveOccurred())

			tickDone := make(chan error, 1)
			go func() {
				tickDone <- queue.Tick(ctx)
			}()
			Eventually(started).Should(BeClosed())

			Expect(queue.Cancel(ctx, jobID)).To(Succeed())
			close(proceed)
			Eventually(tickDone).Should(Receive(BeNil()))

			job, err := queue.Get(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(batchq.JobStatusCancelled))
			Expect(job.ProcessedItems).To(Equal(0))
			Expect(job.Results).To(BeEmpty())
		})
	})
})
