package batchq_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mkuznecovs/batchq"
)

func newTestJob(id string, items ...string) *batchq.Job {
	return &batchq.Job{
		ID:         id,
		Kind:       "test",
		Status:     batchq.JobStatusPending,
		TotalItems: len(items),
		Items:      items,
		Results:    []batchq.ItemResult{},
		Payload:    batchq.Payload{"mode": "fast"},
		CreatedAt:  time.Now(),
		Owner:      "tester",
	}
}

func successResults(items ...string) []batchq.ItemResult {
	results := make([]batchq.ItemResult, 0, len(items))
	for _, item := range items {
		results = append(results, batchq.ItemResult{ItemID: item, Status: batchq.ResultSuccess, Message: "ok"})
	}
	return results
}

// StoreTestSuite is the conformance suite every Store implementation must
// pass. Backend-specific test files call it with their own constructor.
func StoreTestSuite(newStore func() (batchq.Store, func())) {
	var (
		store   batchq.Store
		cleanup func()
		ctx     context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		store, cleanup = newStore()
	})

	AfterEach(func() {
		cleanup()
	})

	Describe("CreateJob and GetJob", func() {
		It("should round-trip a new pending job", func() {
			job := newTestJob("job-1", "a", "b", "c")
			Expect(store.CreateJob(ctx, job)).To(Succeed())

			got, err := store.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal("job-1"))
			Expect(got.Kind).To(Equal(batchq.JobKind("test")))
			Expect(got.Status).To(Equal(batchq.JobStatusPending))
			Expect(got.TotalItems).To(Equal(3))
			Expect(got.ProcessedItems).To(Equal(0))
			Expect(got.FailedItems).To(Equal(0))
			Expect(got.Items).To(Equal([]string{"a", "b", "c"}))
			Expect(got.Results).To(BeEmpty())
			Expect(got.Payload).To(HaveKeyWithValue("mode", "fast"))
			Expect(got.Owner).To(Equal("tester"))
			Expect(got.StartedAt).To(BeNil())
			Expect(got.CompletedAt).To(BeNil())
		})

		It("should reject a job with no items", func() {
			job := newTestJob("job-empty")
			err := store.CreateJob(ctx, job)
			Expect(err).To(MatchError(batchq.ErrEmptyItems))

			_, err = store.GetJob(ctx, "job-empty")
			Expect(err).To(MatchError(batchq.ErrNotFound))
		})

		It("should reject a duplicate job ID", func() {
			Expect(store.CreateJob(ctx, newTestJob("job-dup", "a"))).To(Succeed())
			Expect(store.CreateJob(ctx, newTestJob("job-dup", "b"))).NotTo(Succeed())
		})

		It("should return ErrNotFound for an unknown job", func() {
			_, err := store.GetJob(ctx, "nope")
			Expect(err).To(MatchError(batchq.ErrNotFound))
		})
	})

	Describe("UpdateProgress", func() {
		It("should transition pending to processing and set started_at once", func() {
			Expect(store.CreateJob(ctx, newTestJob("job-start", "a", "b"))).To(Succeed())

			job, err := store.UpdateProgress(ctx, "job-start", batchq.ProgressUpdate{Status: batchq.JobStatusProcessing})
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(batchq.JobStatusProcessing))
			Expect(job.StartedAt).NotTo(BeNil())

			again, err := store.UpdateProgress(ctx, "job-start", batchq.ProgressUpdate{Status: batchq.JobStatusProcessing})
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Status).To(Equal(batchq.JobStatusProcessing))
			Expect(again.StartedAt).NotTo(BeNil())
		})

		It("should apply deltas and append results in order", func() {
			Expect(store.CreateJob(ctx, newTestJob("job-prog", "a", "b", "c"))).To(Succeed())

			job, err := store.UpdateProgress(ctx, "job-prog", batchq.ProgressUpdate{
				Status:         batchq.JobStatusProcessing,
				ProcessedDelta: 2,
				FailedDelta:    1,
				Results: []batchq.ItemResult{
					{ItemID: "a", Status: batchq.ResultSuccess, Message: "ok"},
					{ItemID: "b", Status: batchq.ResultFailed, Message: "boom"},
				},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ProcessedItems).To(Equal(2))
			Expect(job.FailedItems).To(Equal(1))
			Expect(job.Results).To(HaveLen(2))

			got, err := store.GetJob(ctx, "job-prog")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Results).To(HaveLen(2))
			Expect(got.Results[0].ItemID).To(Equal("a"))
			Expect(got.Results[0].Status).To(Equal(batchq.ResultSuccess))
			Expect(got.Results[1].ItemID).To(Equal("b"))
			Expect(got.Results[1].Status).To(Equal(batchq.ResultFailed))
			Expect(got.Results[1].Message).To(Equal("boom"))
		})

		It("should reject progress past the total item count", func() {
			Expect(store.CreateJob(ctx, newTestJob("job-over", "a"))).To(Succeed())

			_, err := store.UpdateProgress(ctx, "job-over", batchq.ProgressUpdate{
				ProcessedDelta: 2,
				Results:        successResults("a", "a"),
			})
			Expect(err).To(HaveOccurred())

			got, err := store.GetJob(ctx, "job-over")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ProcessedItems).To(Equal(0))
			Expect(got.Results).To(BeEmpty())
		})

		It("should reject a results list that does not match the delta", func() {
			Expect(store.CreateJob(ctx, newTestJob("job-mismatch", "a", "b"))).To(Succeed())

			_, err := store.UpdateProgress(ctx, "job-mismatch", batchq.ProgressUpdate{
				ProcessedDelta: 2,
				Results:        successResults("a"),
			})
			Expect(err).To(HaveOccurred())
		})

		It("should set completed_at when completing", func() {
			Expect(store.CreateJob(ctx, newTestJob("job-done", "a"))).To(Succeed())

			_, err := store.UpdateProgress(ctx, "job-done", batchq.ProgressUpdate{
				Status:         batchq.JobStatusProcessing,
				ProcessedDelta: 1,
				Results:        successResults("a"),
			})
			Expect(err).NotTo(HaveOccurred())

			job, err := store.UpdateProgress(ctx, "job-done", batchq.ProgressUpdate{Status: batchq.JobStatusCompleted})
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(batchq.JobStatusCompleted))
			Expect(job.CompletedAt).NotTo(BeNil())
		})

		It("should refuse updates to a terminal job", func() {
			Expect(store.CreateJob(ctx, newTestJob("job-term", "a"))).To(Succeed())
			_, err := store.CancelJob(ctx, "job-term")
			Expect(err).NotTo(HaveOccurred())

			_, err = store.UpdateProgress(ctx, "job-term", batchq.ProgressUpdate{
				ProcessedDelta: 1,
				Results:        successResults("a"),
			})
			Expect(err).To(MatchError(batchq.ErrAlreadyFinished))

			got, err := store.GetJob(ctx, "job-term")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(batchq.JobStatusCancelled))
			Expect(got.ProcessedItems).To(Equal(0))
		})

		It("should return ErrNotFound for an unknown job", func() {
			_, err := store.UpdateProgress(ctx, "nope", batchq.ProgressUpdate{})
			Expect(err).To(MatchError(batchq.ErrNotFound))
		})
	})

	Describe("OldestRunnable", func() {
		It("should return ErrNotFound with no jobs", func() {
			_, err := store.OldestRunnable(ctx)
			Expect(err).To(MatchError(batchq.ErrNotFound))
		})

		It("should pick jobs in FIFO order by creation time", func() {
			first := newTestJob("job-first", "a")
			second := newTestJob("job-second", "b")
			second.CreatedAt = first.CreatedAt.Add(50 * time.Millisecond)
			Expect(store.CreateJob(ctx, first)).To(Succeed())
			Expect(store.CreateJob(ctx, second)).To(Succeed())

			got, err := store.OldestRunnable(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal("job-first"))

			// Finish the first job; the second becomes the oldest runnable.
			_, err = store.UpdateProgress(ctx, "job-first", batchq.ProgressUpdate{
				Status:         batchq.JobStatusCompleted,
				ProcessedDelta: 1,
				Results:        successResults("a"),
			})
			Expect(err).NotTo(HaveOccurred())

			got, err = store.OldestRunnable(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal("job-second"))
		})

		It("should skip cancelled jobs", func() {
			Expect(store.CreateJob(ctx, newTestJob("job-c", "a"))).To(Succeed())
			_, err := store.CancelJob(ctx, "job-c")
			Expect(err).NotTo(HaveOccurred())

			_, err = store.OldestRunnable(ctx)
			Expect(err).To(MatchError(batchq.ErrNotFound))
		})
	})

	Describe("CancelJob", func() {
		It("should cancel a pending job and set completed_at", func() {
			Expect(store.CreateJob(ctx, newTestJob("job-cancel", "a", "b"))).To(Succeed())

			job, err := store.CancelJob(ctx, "job-cancel")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(batchq.JobStatusCancelled))
			Expect(job.CompletedAt).NotTo(BeNil())
			Expect(job.ProcessedItems).To(Equal(0))
		})

		It("should return ErrNotFound for an unknown job", func() {
			_, err := store.CancelJob(ctx, "nope")
			Expect(err).To(MatchError(batchq.ErrNotFound))
		})

		It("should return ErrAlreadyFinished for a terminal job", func() {
			Expect(store.CreateJob(ctx, newTestJob("job-fin", "a"))).To(Succeed())
			_, err := store.UpdateProgress(ctx, "job-fin", batchq.ProgressUpdate{
				Status:         batchq.JobStatusCompleted,
				ProcessedDelta: 1,
				Results:        successResults("a"),
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = store.CancelJob(ctx, "job-fin")
			Expect(errors.Is(err, batchq.ErrAlreadyFinished)).To(BeTrue())
		})
	})

	Describe("ListRecent", func() {
		It("should list newest first and respect the limit", func() {
			base := time.Now()
			for i := 0; i < 3; i++ {
				job := newTestJob(fmt.Sprintf("job-%d", i), "a")
				job.CreatedAt = base.Add(time.Duration(i) * 50 * time.Millisecond)
				Expect(store.CreateJob(ctx, job)).To(Succeed())
			}

			summaries, err := store.ListRecent(ctx, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(summaries).To(HaveLen(2))
			Expect(summaries[0].ID).To(Equal("job-2"))
			Expect(summaries[1].ID).To(Equal("job-1"))
		})

		It("should carry counters on summaries", func() {
			Expect(store.CreateJob(ctx, newTestJob("job-sum", "a", "b"))).To(Succeed())
			_, err := store.UpdateProgress(ctx, "job-sum", batchq.ProgressUpdate{
				Status:         batchq.JobStatusProcessing,
				ProcessedDelta: 1,
				FailedDelta:    1,
				Results:        []batchq.ItemResult{{ItemID: "a", Status: batchq.ResultFailed, Message: "boom"}},
			})
			Expect(err).NotTo(HaveOccurred())

			summaries, err := store.ListRecent(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(summaries).To(HaveLen(1))
			Expect(summaries[0].Status).To(Equal(batchq.JobStatusProcessing))
			Expect(summaries[0].TotalItems).To(Equal(2))
			Expect(summaries[0].ProcessedItems).To(Equal(1))
			Expect(summaries[0].FailedItems).To(Equal(1))
		})

		It("should return an empty list for a non-positive limit", func() {
			Expect(store.CreateJob(ctx, newTestJob("job-x", "a"))).To(Succeed())
			summaries, err := store.ListRecent(ctx, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(summaries).To(BeEmpty())
		})
	})

	Describe("ActiveCount", func() {
		It("should count pending and processing jobs only", func() {
			Expect(store.CreateJob(ctx, newTestJob("job-a", "a"))).To(Succeed())
			Expect(store.CreateJob(ctx, newTestJob("job-b", "b"))).To(Succeed())
			Expect(store.CreateJob(ctx, newTestJob("job-d", "d"))).To(Succeed())

			_, err := store.UpdateProgress(ctx, "job-a", batchq.ProgressUpdate{Status: batchq.JobStatusProcessing})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.CancelJob(ctx, "job-d")
			Expect(err).NotTo(HaveOccurred())

			count, err := store.ActiveCount(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(2))
		})
	})

	Describe("CleanupExpiredJobs", func() {
		It("should delete only expired terminal jobs", func() {
			oldDone := newTestJob("job-old-done", "a")
			oldDone.CreatedAt = time.Now().Add(-48 * time.Hour)
			Expect(store.CreateJob(ctx, oldDone)).To(Succeed())
			_, err := store.CancelJob(ctx, "job-old-done")
			Expect(err).NotTo(HaveOccurred())

			oldActive := newTestJob("job-old-active", "a")
			oldActive.CreatedAt = time.Now().Add(-48 * time.Hour)
			Expect(store.CreateJob(ctx, oldActive)).To(Succeed())

			recentDone := newTestJob("job-recent-done", "a")
			Expect(store.CreateJob(ctx, recentDone)).To(Succeed())
			_, err = store.CancelJob(ctx, "job-recent-done")
			Expect(err).NotTo(HaveOccurred())

			Expect(store.CleanupExpiredJobs(ctx, 24*time.Hour)).To(Succeed())

			_, err = store.GetJob(ctx, "job-old-done")
			Expect(err).To(MatchError(batchq.ErrNotFound))
			_, err = store.GetJob(ctx, "job-old-active")
			Expect(err).NotTo(HaveOccurred())
			_, err = store.GetJob(ctx, "job-recent-done")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should reject a non-positive retention", func() {
			Expect(store.CleanupExpiredJobs(ctx, 0)).NotTo(Succeed())
		})
	})
}
